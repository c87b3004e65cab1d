//go:build !darwin

package platform

// DefaultVariant creates a notification channel up front.
const DefaultVariant = VariantChannel
