package domain

import (
	"fmt"
	"math"
)

// Costs accumulates spend. Both the total and every category only grow.
type Costs struct {
	Total      float64            `yaml:"total" json:"total"`
	ByCategory map[string]float64 `yaml:"by_category,omitempty" json:"by_category,omitempty"`
}

type Cost struct {
	Category string  `yaml:"category" json:"category"`
	Amount   float64 `yaml:"amount" json:"amount"`
}

func (c *Costs) Add(cost Cost) error {
	if cost.Category == "" {
		return fmt.Errorf("cost category required")
	}
	if math.IsNaN(cost.Amount) || math.IsInf(cost.Amount, 0) {
		return fmt.Errorf("cost %s: amount must be finite", cost.Category)
	}
	if cost.Amount < 0 {
		return fmt.Errorf("cost %s: negative amount %.2f rejected; costs never decrease", cost.Category, cost.Amount)
	}
	if c.ByCategory == nil {
		c.ByCategory = map[string]float64{}
	}
	c.ByCategory[cost.Category] += cost.Amount
	c.Total += cost.Amount
	return nil
}
