package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

// Store implements repositories.Store on MongoDB. Operations issued with
// the context handed to a WithinTx callback join that transaction.
type Store struct {
	client     *Client
	identities *mongo.Collection
	devices    *mongo.Collection
	sessions   *mongo.Collection
	ledger     *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.Store = (*Store)(nil)

// NewStore creates the collections' indexes and returns the store.
func NewStore(ctx context.Context, client *Client, logger *zap.Logger) (*Store, error) {
	db := client.Database
	s := &Store{
		client:     client,
		identities: db.Collection("identities"),
		devices:    db.Collection("devices"),
		sessions:   db.Collection("sessions"),
		ledger:     db.Collection("ledger"),
		logger:     logger,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "identity_id", Value: 1}},
			Options: options.Index().
				SetName("one_active_per_identity").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(entities.SessionStatusActive)}),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "ends_at", Value: 1}}},
		{Keys: bson.D{{Key: "started_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}
	_, err = s.ledger.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "identity_id", Value: 1}, {Key: "seq", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger index: %w", err)
	}
	return nil
}

// WithinTx implements repositories.Store
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repo repositories.Repository) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, s)
	})
	return err
}

// Close implements repositories.Store
func (s *Store) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return entities.ErrNotFound
	}
	return err
}

func (s *Store) CreateIdentity(ctx context.Context, identity *entities.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	now := time.Now()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	if _, err := s.identities.InsertOne(ctx, toIdentityDoc(identity)); err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, id string) (*entities.Identity, error) {
	var doc identityDoc
	if err := s.identities.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if err = notFound(err); errors.Is(err, entities.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get identity %s: %w", id, err)
	}
	return doc.entity(), nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]*entities.Identity, error) {
	cursor, err := s.identities.Find(ctx, bson.M{}, options.Find().SetSort(bson.M{"name": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	var docs []identityDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode identities: %w", err)
	}
	result := make([]*entities.Identity, 0, len(docs))
	for _, d := range docs {
		result = append(result, d.entity())
	}
	return result, nil
}

func (s *Store) UpdateIdentity(ctx context.Context, identity *entities.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	identity.UpdatedAt = time.Now()
	doc := toIdentityDoc(identity)
	result, err := s.identities.UpdateOne(ctx, bson.M{"_id": identity.ID}, bson.M{
		"$set": bson.M{
			"name":            doc.Name,
			"pin_hash":        doc.PINHash,
			"avatar":          doc.Avatar,
			"tv":              doc.TV,
			"console":         doc.Console,
			"weekday_windows": doc.WeekdayWindows,
			"weekend_windows": doc.WeekendWindows,
			"updated_at":      doc.UpdatedAt,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}
	if result.MatchedCount == 0 {
		return entities.ErrNotFound
	}
	return nil
}

func (s *Store) SetBalance(ctx context.Context, identityID string, category entities.Category, balance int) error {
	result, err := s.identities.UpdateOne(ctx, bson.M{"_id": identityID}, bson.M{
		"$set": bson.M{
			string(category) + ".balance": balance,
			"updated_at":                  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	if result.MatchedCount == 0 {
		return entities.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	if _, err := s.sessions.DeleteMany(ctx, bson.M{"identity_id": id}); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	if _, err := s.ledger.DeleteMany(ctx, bson.M{"identity_id": id}); err != nil {
		return fmt.Errorf("failed to delete ledger: %w", err)
	}
	result, err := s.identities.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	if result.DeletedCount == 0 {
		return entities.ErrNotFound
	}
	return nil
}

func (s *Store) CreateDevice(ctx context.Context, device *entities.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now
	if _, err := s.devices.InsertOne(ctx, toDeviceDoc(device)); err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*entities.Device, error) {
	var doc deviceDoc
	if err := s.devices.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if err = notFound(err); errors.Is(err, entities.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get device %s: %w", id, err)
	}
	return doc.entity(), nil
}

func (s *Store) findDevices(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*entities.Device, error) {
	cursor, err := s.devices.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find devices: %w", err)
	}
	var docs []deviceDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode devices: %w", err)
	}
	result := make([]*entities.Device, 0, len(docs))
	for _, d := range docs {
		result = append(result, d.entity())
	}
	return result, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]*entities.Device, error) {
	return s.findDevices(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "category", Value: 1}, {Key: "name", Value: 1}}))
}

func (s *Store) ActiveDevice(ctx context.Context, category entities.Category) (*entities.Device, error) {
	devices, err := s.findDevices(ctx,
		bson.M{"category": string(category), "active": true},
		options.Find().SetSort(bson.M{"name": 1}).SetLimit(1))
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, entities.ErrNotFound
	}
	return devices[0], nil
}

func (s *Store) UpdateDevice(ctx context.Context, device *entities.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	device.UpdatedAt = time.Now()
	doc := toDeviceDoc(device)
	result, err := s.devices.UpdateOne(ctx, bson.M{"_id": device.ID}, bson.M{
		"$set": bson.M{
			"name":           doc.Name,
			"category":       doc.Category,
			"control_method": doc.ControlMethod,
			"identifier":     doc.Identifier,
			"config":         doc.Config,
			"active":         doc.Active,
			"updated_at":     doc.UpdatedAt,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if result.MatchedCount == 0 {
		return entities.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	result, err := s.devices.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if result.DeletedCount == 0 {
		return entities.ErrNotFound
	}
	return nil
}

func (s *Store) InsertSession(ctx context.Context, session *entities.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, err := s.sessions.InsertOne(ctx, toSessionDoc(session)); err != nil {
		if mongo.IsDuplicateKeyError(err) && session.IsActive() {
			return entities.ErrActiveSessionExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*entities.Session, error) {
	var doc sessionDoc
	if err := s.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if err = notFound(err); errors.Is(err, entities.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return doc.entity(), nil
}

func (s *Store) findSessions(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*entities.Session, error) {
	cursor, err := s.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find sessions: %w", err)
	}
	var docs []sessionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	result := make([]*entities.Session, 0, len(docs))
	for _, d := range docs {
		result = append(result, d.entity())
	}
	return result, nil
}

func (s *Store) ActiveSession(ctx context.Context, identityID string) (*entities.Session, error) {
	sessions, err := s.findSessions(ctx,
		bson.M{"identity_id": identityID, "status": string(entities.SessionStatusActive)},
		options.Find().SetLimit(1))
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return sessions[0], nil
}

func (s *Store) OverdueSessions(ctx context.Context, now time.Time) ([]*entities.Session, error) {
	return s.findSessions(ctx,
		bson.M{"status": string(entities.SessionStatusActive), "ends_at": bson.M{"$lte": now}},
		options.Find().SetSort(bson.M{"ends_at": 1}))
}

func (s *Store) RecentSessions(ctx context.Context, limit int) ([]*entities.Session, error) {
	opts := options.Find().SetSort(bson.M{"started_at": -1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.findSessions(ctx, bson.M{}, opts)
}

func (s *Store) TransitionSession(ctx context.Context, id string, to entities.SessionStatus) (bool, error) {
	result, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(entities.SessionStatusActive)},
		bson.M{"$set": bson.M{"status": string(to)}})
	if err != nil {
		return false, fmt.Errorf("failed to transition session: %w", err)
	}
	if result.ModifiedCount == 1 {
		return true, nil
	}
	if _, err := s.GetSession(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) AppendLedger(ctx context.Context, entry *entities.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	doc := ledgerDoc{
		ID:         entry.ID,
		Seq:        time.Now().UnixNano(),
		IdentityID: entry.IdentityID,
		Category:   string(entry.Category),
		Delta:      entry.Delta,
		Reason:     string(entry.Reason),
		CreatedAt:  entry.CreatedAt,
	}
	if _, err := s.ledger.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *Store) ListLedger(ctx context.Context, identityID string, limit int) ([]*entities.LedgerEntry, error) {
	filter := bson.M{}
	if identityID != "" {
		filter["identity_id"] = identityID
	}
	opts := options.Find().SetSort(bson.M{"seq": -1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.ledger.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	var docs []ledgerDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode ledger: %w", err)
	}
	result := make([]*entities.LedgerEntry, 0, len(docs))
	for _, d := range docs {
		result = append(result, d.entity())
	}
	return result, nil
}
