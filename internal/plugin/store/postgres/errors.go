package postgres

import registrystore "github.com/chirino/thread-service/internal/registry/store"

// Aliases for the store registry error types used throughout this package.
type NotFoundError = registrystore.NotFoundError
type ValidationError = registrystore.ValidationError
type ForbiddenError = registrystore.ForbiddenError
