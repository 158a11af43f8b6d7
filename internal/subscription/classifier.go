package subscription

import (
	"strings"

	"github.com/meterflow/meterflow/internal/config"
)

// Classifier maps a message's subscription plan to the billing dimension
// it should be metered under. Plans mapped to the empty string (the
// development plan by default) are not metered at all.
type Classifier struct {
	dimensions       map[string]string
	defaultDimension string
}

// NewClassifier builds a classifier from explicit mappings.
func NewClassifier(planDimensions map[string]string, defaultDimension string) *Classifier {
	dims := make(map[string]string, len(planDimensions))
	for plan, dim := range planDimensions {
		dims[strings.ToLower(strings.TrimSpace(plan))] = dim
	}
	return &Classifier{dimensions: dims, defaultDimension: defaultDimension}
}

// NewClassifierFromSettings builds a classifier from service configuration.
func NewClassifierFromSettings(settings *config.Settings) *Classifier {
	return NewClassifier(settings.PlanDimensions, settings.DefaultDimension)
}

// Classify returns the billing dimension for a message under the given
// subscription. The second return is false when the plan is unmetered.
func (c *Classifier) Classify(sub Subscription) (string, bool) {
	dim, ok := c.dimensions[strings.ToLower(strings.TrimSpace(sub.PlanID))]
	if !ok {
		return c.defaultDimension, c.defaultDimension != ""
	}
	return dim, dim != ""
}
