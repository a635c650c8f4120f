package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/siteio/agent/internal/apps"
	"github.com/siteio/agent/internal/shared/apierrors"
	"github.com/siteio/agent/internal/shared/logging"
)

// respondData writes the success envelope. data may be nil, which
// serializes as an explicit null.
func respondData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}

// respondWith maps an engine or store error onto the envelope. 5xx
// causes are logged with their full chain; the client only sees the
// presentable message.
func (s *Service) respondWith(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := apierrors.Status(err)
	if status >= http.StatusInternalServerError {
		logging.From(r.Context()).Error("request failed", "error", err)
	}
	respondError(w, status, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

// validate checks request bodies. Field names in messages follow the
// JSON tags, and the resourcename rule reuses the store-level name
// check so its message matches what a direct create would say.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("resourcename", func(fl validator.FieldLevel) bool {
		return apps.ValidateName(fl.Field().String()) == nil
	})

	return v
}

// checkBody runs the validator and flattens the first failure into a
// message suitable for the error envelope.
func checkBody(body any) error {
	err := validate.Struct(body)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "resourcename":
		if v, ok := fe.Value().(string); ok {
			return apps.ValidateName(v)
		}
		return fmt.Errorf("%s is not a valid name", fe.Field())
	case "min", "max":
		return fmt.Errorf("%s is out of range", fe.Field())
	case "oneof":
		return fmt.Errorf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Errorf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
