package handlers

import (
	stderrors "errors"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/errors"
)

// ErrorMappers translate marketplace and domain errors into API errors
func ErrorMappers() []errors.Mapper {
	return []errors.Mapper{mapDomainError}
}

func mapDomainError(err error) *errors.AppError {
	var (
		authErr       *domain.AuthError
		httpErr       *domain.HttpError
		validationErr *domain.ValidationError
	)
	switch {
	case stderrors.As(err, &authErr):
		return errors.ErrMarketplaceAuth(authErr.Error()).Wrap(err)
	case stderrors.As(err, &httpErr):
		if httpErr.Status == 404 {
			return errors.ErrNotFound("marketplace resource").Wrap(err)
		}
		return errors.ErrMarketplaceHTTP(httpErr.Status).Wrap(err)
	case stderrors.As(err, &validationErr):
		appErr := errors.ErrValidation(validationErr.Error()).Wrap(err)
		if validationErr.Field != "" {
			appErr = appErr.WithDetail(validationErr.Field, validationErr.Reason)
		}
		return appErr
	case stderrors.Is(err, domain.ErrNotFound):
		return errors.ErrNotFound("resource").Wrap(err)
	case stderrors.Is(err, domain.ErrQueueFull):
		return errors.ErrServiceUnavailable("notification queue").Wrap(err)
	}
	return nil
}
