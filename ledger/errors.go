package ledger

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingress/core"
)

func ledgerError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func ledgerBadInput(message string, metadata map[string]any) error {
	return ledgerError(message, goerrors.CategoryBadInput, http.StatusBadRequest, core.ServiceErrorBadInput, metadata)
}

func ledgerConflict(message string, metadata map[string]any) error {
	return ledgerError(message, goerrors.CategoryConflict, http.StatusConflict, core.ServiceErrorConflict, metadata)
}
