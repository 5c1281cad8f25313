package entities

import "fmt"

// Category identifies the class of entertainment device a balance and a
// session belong to.
type Category string

const (
	CategoryTV      Category = "tv"
	CategoryConsole Category = "console"
)

// Categories lists every supported category in display order.
var Categories = []Category{CategoryTV, CategoryConsole}

// CoinDurationMinutes is the access time granted per coin.
const CoinDurationMinutes = 30

// ParseCategory validates a category name. The legacy name "switch" is
// accepted for the console.
func ParseCategory(s string) (Category, error) {
	switch s {
	case string(CategoryTV):
		return CategoryTV, nil
	case string(CategoryConsole), "switch":
		return CategoryConsole, nil
	}
	return "", &ValidationError{Field: "category", Message: fmt.Sprintf("unknown category %q", s)}
}

// MaxCoinsPerSession returns the per-session coin cap for the category,
// or 0 when the category is only bounded by the balance.
func (c Category) MaxCoinsPerSession() int {
	if c == CategoryConsole {
		return 2
	}
	return 0
}

func (c Category) String() string { return string(c) }
