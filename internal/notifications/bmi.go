package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	FeatureBMI          = "bmi"
	TemplateBMIResult   = "bmi-result"
	bmiNotificationName = "Your BMI result"
)

// BMI categories.
const (
	BMIUnderweight = "UNDERWEIGHT"
	BMINormal      = "NORMAL"
	BMIOverweight  = "OVERWEIGHT"
	BMIObese       = "OBESE"
)

var bmiRecommendations = map[string]string{
	BMIUnderweight: "Consider a nutrient-dense diet with more calories and talk to a healthcare provider about healthy weight gain.",
	BMINormal:      "Great job! Keep up your balanced diet and regular physical activity.",
	BMIOverweight:  "Consider increasing physical activity and reviewing portion sizes to move toward a healthy range.",
	BMIObese:       "We recommend consulting a healthcare provider for a personalised weight management plan.",
}

var errMissingField = errors.New("missing required field")

// BMIEvent is the payload of a bmi_calculated event.
type BMIEvent struct {
	UserID      string   `json:"user_id"`
	BMIValue    *float64 `json:"bmi_value"`
	BMICategory string   `json:"bmi_category"`
	Height      float64  `json:"height"`
	Weight      float64  `json:"weight"`
}

// ClassifyBMI returns the category for a BMI value.
func ClassifyBMI(v float64) string {
	switch {
	case v < 18.5:
		return BMIUnderweight
	case v < 25:
		return BMINormal
	case v < 30:
		return BMIOverweight
	default:
		return BMIObese
	}
}

// BMIRecommendation returns advice text for a BMI category.
func BMIRecommendation(category string) string {
	return bmiRecommendations[strings.ToUpper(category)]
}

// BMIHandler notifies a user of a computed BMI.
type BMIHandler struct {
	prefs     PreferenceStore
	deliverer *Deliverer
	logger    *zap.Logger
}

func NewBMIHandler(prefs PreferenceStore, deliverer *Deliverer, logger *zap.Logger) *BMIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BMIHandler{prefs: prefs, deliverer: deliverer, logger: logger.Named("bmi")}
}

func (h *BMIHandler) Handle(ctx context.Context, env Envelope) error {
	var ev BMIEvent
	if err := env.DecodePayload(&ev); err != nil {
		return err
	}
	if ev.UserID == "" {
		return fmt.Errorf("bmi_calculated: %w: user_id", errMissingField)
	}
	if ev.BMIValue == nil {
		return fmt.Errorf("bmi_calculated: %w: bmi_value", errMissingField)
	}

	prefs, err := h.prefs.FindPreferences(ctx, ev.UserID)
	if errors.Is(err, ErrPreferencesNotFound) {
		h.logger.Info("bmi: user has no notification preferences, skipping", zap.String("user_id", ev.UserID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("bmi_calculated: %w", err)
	}

	category := strings.ToUpper(ev.BMICategory)
	if _, ok := bmiRecommendations[category]; !ok {
		category = ClassifyBMI(*ev.BMIValue)
	}
	recommendation := BMIRecommendation(category)

	report := h.deliverer.Deliver(ctx, Delivery{
		Feature:    FeatureBMI,
		Severity:   SeverityInfo,
		Recipient:  recipientFor(env.Recipients, ev.UserID),
		Prefs:      prefs,
		Title:      bmiNotificationName,
		Message:    fmt.Sprintf("Your BMI is %.1f (%s). %s", *ev.BMIValue, category, recommendation),
		TemplateID: TemplateBMIResult,
		Data: map[string]any{
			"bmi_value":      *ev.BMIValue,
			"bmi_category":   category,
			"height":         ev.Height,
			"weight":         ev.Weight,
			"recommendation": recommendation,
		},
	})
	h.logger.Debug("bmi: delivered", zap.String("user_id", ev.UserID), zap.Int("channels", len(report)))
	return nil
}

// recipientFor returns the envelope recipient matching userID, or a bare
// recipient when the envelope does not list one.
func recipientFor(recipients []Recipient, userID string) Recipient {
	for _, r := range recipients {
		if r.UserID == userID {
			return r
		}
	}
	return Recipient{UserID: userID}
}
