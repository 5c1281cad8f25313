package mongo

import (
	"time"

	"github.com/muenzbox/muenzbox/domain/entities"
)

type intervalDoc struct {
	Start int `bson:"start"`
	End   int `bson:"end"`
}

func toIntervalDocs(in []entities.Interval) []intervalDoc {
	out := make([]intervalDoc, 0, len(in))
	for _, i := range in {
		out = append(out, intervalDoc{Start: i.Start, End: i.End})
	}
	return out
}

func fromIntervalDocs(in []intervalDoc) []entities.Interval {
	if len(in) == 0 {
		return nil
	}
	out := make([]entities.Interval, 0, len(in))
	for _, i := range in {
		out = append(out, entities.Interval{Start: i.Start, End: i.End})
	}
	return out
}

type allowanceDoc struct {
	Balance int `bson:"balance"`
	Weekly  int `bson:"weekly"`
	Max     int `bson:"max"`
}

type identityDoc struct {
	ID             string        `bson:"_id"`
	Name           string        `bson:"name"`
	PINHash        string        `bson:"pin_hash"`
	Avatar         string        `bson:"avatar"`
	TV             allowanceDoc  `bson:"tv"`
	Console        allowanceDoc  `bson:"console"`
	WeekdayWindows []intervalDoc `bson:"weekday_windows"`
	WeekendWindows []intervalDoc `bson:"weekend_windows"`
	CreatedAt      time.Time     `bson:"created_at"`
	UpdatedAt      time.Time     `bson:"updated_at"`
}

func toIdentityDoc(i *entities.Identity) identityDoc {
	return identityDoc{
		ID:             i.ID,
		Name:           i.Name,
		PINHash:        i.PINHash,
		Avatar:         i.Avatar,
		TV:             allowanceDoc(i.TV),
		Console:        allowanceDoc(i.Console),
		WeekdayWindows: toIntervalDocs(i.WeekdayWindows),
		WeekendWindows: toIntervalDocs(i.WeekendWindows),
		CreatedAt:      i.CreatedAt,
		UpdatedAt:      i.UpdatedAt,
	}
}

func (d identityDoc) entity() *entities.Identity {
	return &entities.Identity{
		ID:             d.ID,
		Name:           d.Name,
		PINHash:        d.PINHash,
		Avatar:         d.Avatar,
		TV:             entities.Allowance(d.TV),
		Console:        entities.Allowance(d.Console),
		WeekdayWindows: fromIntervalDocs(d.WeekdayWindows),
		WeekendWindows: fromIntervalDocs(d.WeekendWindows),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

type configDoc struct {
	Host           string `bson:"host,omitempty"`
	User           string `bson:"user,omitempty"`
	Password       string `bson:"password,omitempty"`
	AllowedProfile string `bson:"allowed_profile,omitempty"`
	BlockedProfile string `bson:"blocked_profile,omitempty"`
	Token          string `bson:"token,omitempty"`
}

type deviceDoc struct {
	ID            string    `bson:"_id"`
	Name          string    `bson:"name"`
	Category      string    `bson:"category"`
	ControlMethod string    `bson:"control_method"`
	Identifier    string    `bson:"identifier"`
	Config        configDoc `bson:"config"`
	Active        bool      `bson:"active"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func toDeviceDoc(d *entities.Device) deviceDoc {
	return deviceDoc{
		ID:            d.ID,
		Name:          d.Name,
		Category:      string(d.Category),
		ControlMethod: string(d.ControlMethod),
		Identifier:    d.Identifier,
		Config:        configDoc(d.Config),
		Active:        d.Active,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func (d deviceDoc) entity() *entities.Device {
	return &entities.Device{
		ID:            d.ID,
		Name:          d.Name,
		Category:      entities.Category(d.Category),
		ControlMethod: entities.ControlMethod(d.ControlMethod),
		Identifier:    d.Identifier,
		Config:        entities.ConnectionConfig(d.Config),
		Active:        d.Active,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type sessionDoc struct {
	ID         string    `bson:"_id"`
	IdentityID string    `bson:"identity_id"`
	Category   string    `bson:"category"`
	StartedAt  time.Time `bson:"started_at"`
	EndsAt     time.Time `bson:"ends_at"`
	CoinsUsed  int       `bson:"coins_used"`
	Status     string    `bson:"status"`
}

func toSessionDoc(s *entities.Session) sessionDoc {
	return sessionDoc{
		ID:         s.ID,
		IdentityID: s.IdentityID,
		Category:   string(s.Category),
		StartedAt:  s.StartedAt,
		EndsAt:     s.EndsAt,
		CoinsUsed:  s.CoinsUsed,
		Status:     string(s.Status),
	}
}

func (d sessionDoc) entity() *entities.Session {
	return &entities.Session{
		ID:         d.ID,
		IdentityID: d.IdentityID,
		Category:   entities.Category(d.Category),
		StartedAt:  d.StartedAt,
		EndsAt:     d.EndsAt,
		CoinsUsed:  d.CoinsUsed,
		Status:     entities.SessionStatus(d.Status),
	}
}

type ledgerDoc struct {
	ID         string    `bson:"_id"`
	Seq        int64     `bson:"seq"`
	IdentityID string    `bson:"identity_id"`
	Category   string    `bson:"category"`
	Delta      int       `bson:"delta"`
	Reason     string    `bson:"reason"`
	CreatedAt  time.Time `bson:"created_at"`
}

func (d ledgerDoc) entity() *entities.LedgerEntry {
	return &entities.LedgerEntry{
		ID:         d.ID,
		IdentityID: d.IdentityID,
		Category:   entities.Category(d.Category),
		Delta:      d.Delta,
		Reason:     entities.LedgerReason(d.Reason),
		CreatedAt:  d.CreatedAt,
	}
}
