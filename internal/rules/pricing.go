package rules

import (
	"fmt"
	"strings"

	"github.com/EduPipe/LeadPipe/internal/config"
)

// PricingValidator enforces the configured fee constants. Any negotiation
// attempt is redirected; no discount is ever granted by the pipeline.
type PricingValidator struct {
	cfg config.PricingConfig
}

// NewPricingValidator creates a pricing validator from configuration.
func NewPricingValidator(cfg config.PricingConfig) *PricingValidator {
	return &PricingValidator{cfg: cfg}
}

var priceIntentKeywords = []string{
	"quanto custa", "quanto é", "qual o valor", "qual valor", "preço", "preco",
	"mensalidade", "valores", "quanto fica", "how much", "price",
}

var negotiationKeywords = []string{
	"desconto", "mais barato", "abatimento", "negociar", "negociação",
	"baixar o valor", "baixar o preço", "promoção", "promocao", "cupom",
	"discount", "cheaper", "deal",
}

// DetectPriceIntent reports whether the text asks about pricing.
func (v *PricingValidator) DetectPriceIntent(text string) bool {
	return containsAny(text, priceIntentKeywords)
}

// DetectNegotiationIntent reports whether the text attempts to negotiate the
// configured fees.
func (v *PricingValidator) DetectNegotiationIntent(text string) bool {
	return containsAny(text, negotiationKeywords)
}

// QuoteMessage renders the canonical fee quote with the exact configured
// figures. It is the only pricing text the pipeline ever emits.
func (v *PricingValidator) QuoteMessage() string {
	return fmt.Sprintf("A mensalidade por matéria é %s %.2f e a taxa de matrícula é %s %.2f.",
		v.cfg.Currency, v.cfg.SubjectFee, v.cfg.Currency, v.cfg.EnrollmentFee)
}

// RedirectMessage is returned when negotiation intent is detected. It
// restates the fixed fees instead of engaging with the negotiation.
func (v *PricingValidator) RedirectMessage() string {
	return "Nossos valores são fixos e iguais para todos os alunos. " + v.QuoteMessage()
}

// ValidateQuote checks a quoted fee against the configured constants.
// Any deviation is a validation failure.
func (v *PricingValidator) ValidateQuote(subjectFee, enrollmentFee float64) error {
	if subjectFee != v.cfg.SubjectFee {
		return fmt.Errorf("quoted subject fee %.2f deviates from configured %.2f", subjectFee, v.cfg.SubjectFee)
	}
	if enrollmentFee != v.cfg.EnrollmentFee {
		return fmt.Errorf("quoted enrollment fee %.2f deviates from configured %.2f", enrollmentFee, v.cfg.EnrollmentFee)
	}
	return nil
}

// SubjectFee returns the configured monthly subject fee.
func (v *PricingValidator) SubjectFee() float64 {
	return v.cfg.SubjectFee
}

// EnrollmentFee returns the configured enrollment fee.
func (v *PricingValidator) EnrollmentFee() float64 {
	return v.cfg.EnrollmentFee
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
