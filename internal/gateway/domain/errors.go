package domain

import "errors"

var (
	ErrProviderNotFound   = errors.New("payment provider not found")
	ErrInvalidConfig      = errors.New("invalid provider configuration")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrInvalidPayload     = errors.New("invalid webhook payload")
	ErrEventIgnored       = errors.New("webhook event ignored")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrCheckoutFailed     = errors.New("checkout creation failed")
)
