package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/LucPettett/what-do-i-become/internal/audit"
	"github.com/LucPettett/what-do-i-become/internal/inbox"
	"github.com/LucPettett/what-do-i-become/internal/logfields"
	"github.com/LucPettett/what-do-i-become/internal/publication"
	"github.com/LucPettett/what-do-i-become/internal/store"
)

// EventQuerier serves the private event history.
type EventQuerier interface {
	QueryEvents(ctx context.Context, f audit.Filter) ([]audit.Record, error)
}

// Config for the HTTP API handler.
type Config struct {
	DeviceID string
	Layout   store.Layout
	Inbox    inbox.Inbox
	Events   EventQuerier
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"no public status yet"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the device API.
func New(cfg Config) (http.Handler, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("server: device id required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("what-do-i-become device API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg)
	registerPublic(group, cfg)
	registerInstructions(group, cfg)
	if cfg.Events != nil {
		registerEvents(group, cfg)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return newAPIError(http.StatusNotFound, "not_found", "not published yet", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if openPath(basePath, route) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok", "device_id": cfg.DeviceID}}, nil
	})
}

func registerPublic(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "public-status",
		Method:      http.MethodGet,
		Path:        "/public/status",
		Summary:     "Published status of the device",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		data, err := os.ReadFile(cfg.Layout.PublicStatusPath(cfg.DeviceID))
		if err != nil {
			return nil, handleError(err)
		}
		var ps publication.PublicStatus
		if err := json.Unmarshal(data, &ps); err != nil {
			return nil, handleError(fmt.Errorf("decode public status: %w", err))
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{DeviceID: cfg.DeviceID, PublicStatus: ps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "public-daily",
		Method:      http.MethodGet,
		Path:        "/public/daily/{day}",
		Summary:     "Daily summary for one day",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Day int `path:"day" minimum:"1"`
	}) (*struct {
		Body DailyResponse `json:"body"`
	}, error) {
		file, err := dailyFile(cfg.Layout, cfg.DeviceID, input.Day)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DailyResponse `json:"body"`
		}{Body: DailyResponse{
			DeviceID: cfg.DeviceID,
			Day:      input.Day,
			File:     filepath.Base(file),
			Markdown: string(data),
		}}, nil
	})
}

// dailyFile finds the summary of day. A day keeps its first date, so at most
// one file matches; the newest name wins if several do.
func dailyFile(layout store.Layout, deviceID string, day int) (string, error) {
	pattern := filepath.Join(layout.PublicDir(deviceID), "daily", fmt.Sprintf("day_%03d_*.md", day))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fs.ErrNotExist
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

func registerInstructions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-instruction",
		Method:      http.MethodPost,
		Path:        "/instructions",
		Summary:     "Queue a human instruction for the next cycle",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body InstructionRequest `json:"body"`
	}) (*struct {
		Body InstructionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		text := strings.TrimSpace(input.Body.Text)
		if text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "instruction text cannot be empty", nil)
		}
		if len(text) > inbox.MaxLen {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "instruction too long", map[string]any{"max_bytes": inbox.MaxLen})
		}
		pending, err := cfg.Inbox.Peek()
		if err != nil {
			return nil, handleError(err)
		}
		msg, err := cfg.Inbox.Enqueue(text)
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Auth.logger().Info("Queued instruction",
			logfields.Device(cfg.DeviceID),
			slog.String("actor", actorID),
			slog.Bool("replaced", !pending.Empty()))
		return &struct {
			Body InstructionResponse `json:"body"`
		}{Body: InstructionResponse{
			DeviceID:  cfg.DeviceID,
			QueuedAt:  msg.QueuedAt,
			Replaced:  !pending.Empty(),
			Terminate: inbox.IsTerminate(msg.Text),
		}}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type"`
		CycleID string `query:"cycle_id"`
		Limit   int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		records, err := cfg.Events.QueryEvents(ctx, audit.Filter{Type: input.Type, CycleID: input.CycleID, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		resp := eventList{Items: []EventResponse{}}
		for _, r := range records {
			resp.Items = append(resp.Items, eventResponse(r))
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: resp}, nil
	})
}

// Serve runs handler on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving device API", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}
