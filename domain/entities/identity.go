package entities

import "time"

// Allowance is one category's coin balance with its refill rules.
type Allowance struct {
	Balance int `json:"balance"`
	Weekly  int `json:"weekly"`
	Max     int `json:"max"`
}

// Clamp bounds a prospective balance to [0, Max].
func (a Allowance) Clamp(balance int) int {
	if balance < 0 {
		return 0
	}
	if balance > a.Max {
		return a.Max
	}
	return balance
}

// Refilled returns the balance after one weekly refill.
func (a Allowance) Refilled() int {
	return a.Clamp(a.Balance + a.Weekly)
}

// Identity is a household member with coin balances and time windows.
type Identity struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	PINHash        string     `json:"-"`
	Avatar         string     `json:"avatar"`
	TV             Allowance  `json:"tv"`
	Console        Allowance  `json:"console"`
	WeekdayWindows []Interval `json:"weekday_windows"`
	WeekendWindows []Interval `json:"weekend_windows"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Allowance returns the allowance for a category.
func (i *Identity) Allowance(c Category) Allowance {
	if c == CategoryConsole {
		return i.Console
	}
	return i.TV
}

// SetBalance stores a new balance for a category.
func (i *Identity) SetBalance(c Category, balance int) {
	if c == CategoryConsole {
		i.Console.Balance = balance
		return
	}
	i.TV.Balance = balance
}

// Validate validates the identity data
func (i *Identity) Validate() error {
	if i.Name == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	for _, c := range Categories {
		a := i.Allowance(c)
		if a.Max < 0 || a.Weekly < 0 {
			return &ValidationError{Field: string(c), Message: "weekly amount and maximum must not be negative"}
		}
		if a.Balance < 0 || a.Balance > a.Max {
			return &ValidationError{Field: string(c), Message: "balance must be between 0 and the maximum"}
		}
	}
	return nil
}
