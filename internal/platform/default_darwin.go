//go:build darwin

package platform

// DefaultVariant asks for consent: Apple platforms require authorization
// before notifications are shown.
const DefaultVariant = VariantConsent
