package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"karmaline/internal/domain"
	"karmaline/internal/engine"
	"karmaline/internal/engine/access"
	"karmaline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_funds"`
	Message string         `json:"message" example:"balance of alice is 10, need 100"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Karmaline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Karmaline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSystem(group, cfg.Engine)
	registerToken(group, cfg.Engine)
	registerProfiles(group, cfg.Engine)
	registerSkills(group, cfg.Engine)
	registerTimeRecords(group, cfg.Engine)
	registerServices(group, cfg.Engine)
	registerOrders(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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
	if errors.Is(err, access.ErrSystemPaused) {
		return newAPIError(http.StatusServiceUnavailable, "system_paused", err.Error(), nil)
	}
	var roleErr access.ForbiddenRoleError
	if errors.As(err, &roleErr) {
		return newAPIError(http.StatusForbidden, "forbidden_role", err.Error(), map[string]any{"role": roleErr.Role})
	}
	var forbidden engine.ForbiddenError
	if errors.As(err, &forbidden) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var validation engine.ValidationError
	if errors.As(err, &validation) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var notFound engine.NotFoundError
	if errors.As(err, &notFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": notFound.Kind, "id": notFound.ID})
	}
	var conflict engine.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), nil)
	}
	var state engine.StateError
	if errors.As(err, &state) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	}
	var funds engine.FundsError
	if errors.As(err, &funds) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_funds", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Karmaline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
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
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerSystem(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-system",
		Method:      http.MethodGet,
		Path:        "/system",
		Summary:     "System state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SystemResponse `json:"body"`
	}, error) {
		paused, err := e.Access.Paused(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		feeBps, err := e.Repo.PlatformFeeBps(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		supply, err := e.TotalSupply(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SystemResponse `json:"body"`
		}{Body: SystemResponse{Paused: paused, PlatformFeeBps: feeBps, TotalSupply: supply}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-system",
		Method:      http.MethodPost,
		Path:        "/system/pause",
		Summary:     "Pause all mutations",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Pause(ctx, account); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unpause-system",
		Method:      http.MethodPost,
		Path:        "/system/unpause",
		Summary:     "Resume mutations",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Unpause(ctx, account); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-platform-fee",
		Method:      http.MethodPatch,
		Path:        "/system/fee",
		Summary:     "Update the marketplace platform fee",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body UpdateFeeRequest `json:"body"`
	}) (*struct{}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.UpdatePlatformFee(ctx, account, input.Body.Bps); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerToken(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/token/balances/{account}",
		Summary:     "Account balance",
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
	}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		amount, err := e.BalanceOf(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{Account: input.Account, Amount: amount}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-allowance",
		Method:      http.MethodGet,
		Path:        "/token/allowances/{owner}/{spender}",
		Summary:     "Allowance granted by owner to spender",
	}, func(ctx context.Context, input *struct {
		Owner   string `path:"owner"`
		Spender string `path:"spender"`
	}) (*struct {
		Body AllowanceResponse `json:"body"`
	}, error) {
		amount, err := e.AllowanceOf(ctx, input.Owner, input.Spender)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AllowanceResponse `json:"body"`
		}{Body: AllowanceResponse{Owner: input.Owner, Spender: input.Spender, Amount: amount}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "transfer",
		Method:        http.MethodPost,
		Path:          "/token/transfers",
		Summary:       "Transfer tokens",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body TransferRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		var err error
		if input.Body.From != nil && *input.Body.From != account {
			err = e.TransferFrom(ctx, account, *input.Body.From, input.Body.To, input.Body.Amount)
		} else {
			err = e.Transfer(ctx, account, input.Body.To, input.Body.Amount)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "approve",
		Method:        http.MethodPost,
		Path:          "/token/approvals",
		Summary:       "Approve a spender",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body ApproveRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Approve(ctx, account, input.Body.Spender, input.Body.Amount); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerProfiles(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-profile",
		Method:        http.MethodPost,
		Path:          "/profiles",
		Summary:       "Register the caller's profile",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body RegisterProfileRequest `json:"body"`
	}) (*struct {
		Body domain.Profile `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RegisterProfile(ctx, account, input.Body.IsCompany, stringOrEmpty(input.Body.MetadataURI))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Profile `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-profiles",
		Method:      http.MethodGet,
		Path:        "/profiles",
		Summary:     "List profiles",
	}, func(ctx context.Context, input *struct {
		Companies bool `query:"companies"`
		Active    bool `query:"active"`
	}) (*struct {
		Body []domain.Profile `json:"body"`
	}, error) {
		items, err := e.Repo.ListProfiles(ctx, input.Companies, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Profile `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/profiles/{account}",
		Summary:     "Get a profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
	}) (*struct {
		Body domain.Profile `json:"body"`
	}, error) {
		p, err := e.Repo.GetProfile(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Profile `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-profile",
		Method:      http.MethodPatch,
		Path:        "/profiles/me",
		Summary:     "Update the caller's metadata URI",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body UpdateProfileRequest `json:"body"`
	}) (*struct{}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.UpdateProfile(ctx, account, input.Body.MetadataURI); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-profile",
		Method:      http.MethodDelete,
		Path:        "/profiles/me",
		Summary:     "Deactivate the caller's profile",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeactivateProfile(ctx, account); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-karma",
		Method:      http.MethodPut,
		Path:        "/profiles/{account}/karma",
		Summary:     "Overwrite a profile's karma snapshot",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Account string          `path:"account"`
		Body    SetKarmaRequest `json:"body"`
	}) (*struct{}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetKarma(ctx, caller, input.Account, input.Body.Karma); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-karma",
		Method:      http.MethodPost,
		Path:        "/profiles/{account}/karma/sync",
		Summary:     "Sync the karma snapshot from live validations",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
	}) (*struct {
		Body KarmaResponse `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		total, err := e.SyncKarma(ctx, caller, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KarmaResponse `json:"body"`
		}{Body: KarmaResponse{Professional: input.Account, Karma: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-karma",
		Method:      http.MethodGet,
		Path:        "/profiles/{account}/karma",
		Summary:     "Live karma, total or per skill",
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		SkillID int64  `query:"skill_id"`
	}) (*struct {
		Body KarmaResponse `json:"body"`
	}, error) {
		resp := KarmaResponse{Professional: input.Account}
		if input.SkillID != 0 {
			karma, err := e.KarmaFor(ctx, input.Account, input.SkillID)
			if err != nil {
				return nil, handleError(err)
			}
			id := input.SkillID
			resp.SkillID = &id
			resp.Karma = karma
		} else {
			total, err := e.TotalKarma(ctx, input.Account)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Karma = total
		}
		return &struct {
			Body KarmaResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-hours",
		Method:      http.MethodGet,
		Path:        "/profiles/{account}/hours",
		Summary:     "Total and validated worked hours",
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
	}) (*struct {
		Body HoursResponse `json:"body"`
	}, error) {
		total, err := e.Repo.TotalHours(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		validated, err := e.Repo.ValidatedHours(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HoursResponse `json:"body"`
		}{Body: HoursResponse{Employee: input.Account, TotalHours: total, ValidatedHours: validated}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-declared-skills",
		Method:      http.MethodGet,
		Path:        "/profiles/{account}/skills",
		Summary:     "Skill declarations for a professional",
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		Latest  bool   `query:"latest"`
	}) (*struct {
		Body []domain.DeclaredSkill `json:"body"`
	}, error) {
		var items []domain.DeclaredSkill
		var err error
		if input.Latest {
			items, err = e.Repo.LatestDeclaredSkills(ctx, input.Account)
		} else {
			items, err = e.Repo.ListDeclaredSkills(ctx, input.Account)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DeclaredSkill `json:"body"`
		}{Body: items}, nil
	})
}

func registerSkills(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-skill",
		Method:        http.MethodPost,
		Path:          "/skills",
		Summary:       "Add a skill to the catalog",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateSkillRequest `json:"body"`
	}) (*struct {
		Body domain.Skill `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateSkill(ctx, account, input.Body.Name, stringOrEmpty(input.Body.Category))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Skill `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-skills",
		Method:      http.MethodGet,
		Path:        "/skills",
		Summary:     "Skill catalog",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active"`
	}) (*struct {
		Body []domain.Skill `json:"body"`
	}, error) {
		items, err := e.Repo.ListSkills(ctx, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Skill `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "declare-skill",
		Method:        http.MethodPost,
		Path:          "/skills/{skill_id}/declarations",
		Summary:       "Declare a proficiency level",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SkillID int64               `path:"skill_id"`
		Body    DeclareSkillRequest `json:"body"`
	}) (*struct {
		Body domain.DeclaredSkill `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.DeclareSkill(ctx, account, input.SkillID, domain.SkillLevel(input.Body.Level))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DeclaredSkill `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "validate-skill",
		Method:        http.MethodPost,
		Path:          "/skills/{skill_id}/validations",
		Summary:       "Attest a professional's declared skill",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SkillID int64                `path:"skill_id"`
		Body    ValidateSkillRequest `json:"body"`
	}) (*struct{}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Professional == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "professional is required", nil)
		}
		if err := e.ValidateSkill(ctx, account, input.Body.Professional, input.SkillID, domain.SkillLevel(input.Body.Level)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-skill-validations",
		Method:      http.MethodGet,
		Path:        "/skills/{skill_id}/validations",
		Summary:     "Validations recorded for a professional's skill",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SkillID      int64  `path:"skill_id"`
		Professional string `query:"professional"`
	}) (*struct {
		Body []domain.SkillValidation `json:"body"`
	}, error) {
		if input.Professional == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "professional is required", nil)
		}
		items, err := e.Repo.ListValidations(ctx, input.Professional, input.SkillID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SkillValidation `json:"body"`
		}{Body: items}, nil
	})
}

func registerTimeRecords(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-time",
		Method:        http.MethodPost,
		Path:          "/time-records",
		Summary:       "Register worked hours",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body RegisterTimeRequest `json:"body"`
	}) (*struct {
		Body domain.TimeRecord `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.RegisterTime(ctx, account, input.Body.Company, input.Body.StartTime, input.Body.EndTime,
			stringOrEmpty(input.Body.Description), input.Body.SkillIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TimeRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-time-records",
		Method:      http.MethodGet,
		Path:        "/time-records",
		Summary:     "List time records",
	}, func(ctx context.Context, input *struct {
		Employee string `query:"employee"`
		Company  string `query:"company"`
		Status   string `query:"status" enum:"pending,validated,disputed,"`
	}) (*struct {
		Body []domain.TimeRecord `json:"body"`
	}, error) {
		items, err := e.Repo.ListTimeRecords(ctx, repo.TimeRecordFilter{
			Employee: input.Employee,
			Company:  input.Company,
			Status:   domain.TimeRecordStatus(input.Status),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TimeRecord `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-time-record",
		Method:      http.MethodGet,
		Path:        "/time-records/{record_id}",
		Summary:     "Get a time record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID int64 `path:"record_id"`
	}) (*struct {
		Body domain.TimeRecord `json:"body"`
	}, error) {
		rec, err := e.Repo.GetTimeRecord(ctx, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TimeRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-time-record",
		Method:      http.MethodPost,
		Path:        "/time-records/{record_id}/validate",
		Summary:     "Validate a pending record",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RecordID int64 `path:"record_id"`
	}) (*struct{}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ValidateTimeRecord(ctx, account, input.RecordID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispute-time-record",
		Method:      http.MethodPost,
		Path:        "/time-records/{record_id}/dispute",
		Summary:     "Dispute a pending record",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RecordID int64 `path:"record_id"`
	}) (*struct{}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DisputeTimeRecord(ctx, account, input.RecordID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerServices(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-service",
		Method:        http.MethodPost,
		Path:          "/services",
		Summary:       "Publish a service",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateServiceRequest `json:"body"`
	}) (*struct {
		Body domain.Service `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateService(ctx, account, input.Body.Title, stringOrEmpty(input.Body.Description),
			input.Body.PricePerHour, input.Body.SkillIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Service `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-services",
		Method:      http.MethodGet,
		Path:        "/services",
		Summary:     "List services",
	}, func(ctx context.Context, input *struct {
		Provider string `query:"provider"`
		SkillID  int64  `query:"skill_id"`
		Active   bool   `query:"active"`
	}) (*struct {
		Body []domain.Service `json:"body"`
	}, error) {
		items, err := e.Repo.ListServices(ctx, repo.ServiceFilter{
			Provider:   input.Provider,
			SkillID:    input.SkillID,
			ActiveOnly: input.Active,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Service `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-service",
		Method:      http.MethodGet,
		Path:        "/services/{service_id}",
		Summary:     "Get a service",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ServiceID int64 `path:"service_id"`
	}) (*struct {
		Body domain.Service `json:"body"`
	}, error) {
		s, err := e.Repo.GetService(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Service `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-service",
		Method:      http.MethodPatch,
		Path:        "/services/{service_id}",
		Summary:     "Update a service",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ServiceID int64                `path:"service_id"`
		Body      CreateServiceRequest `json:"body"`
	}) (*struct{}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.UpdateService(ctx, account, input.ServiceID, input.Body.Title,
			stringOrEmpty(input.Body.Description), input.Body.PricePerHour, input.Body.SkillIDs); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-service",
		Method:      http.MethodPost,
		Path:        "/services/{service_id}/toggle",
		Summary:     "Flip a service between active and inactive",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ServiceID int64 `path:"service_id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		active, err := e.ToggleServiceStatus(ctx, account, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"is_active": active}}, nil
	})
}

func registerOrders(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Order a service, escrowing the full price",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOrderRequest `json:"body"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.CreateOrder(ctx, account, input.Body.ServiceID, input.Body.NumHours, stringOrEmpty(input.Body.Description))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List orders",
	}, func(ctx context.Context, input *struct {
		Client   string `query:"client"`
		Provider string `query:"provider"`
		Status   string `query:"status" enum:"created,accepted,completed,cancelled,"`
	}) (*struct {
		Body []domain.Order `json:"body"`
	}, error) {
		items, err := e.Repo.ListOrders(ctx, repo.OrderFilter{
			Client:   input.Client,
			Provider: input.Provider,
			Status:   domain.OrderStatus(input.Status),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Order `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}",
		Summary:     "Get an order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID int64 `path:"order_id"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		o, err := e.Repo.GetOrder(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: o}, nil
	})

	registerOrderTransition(api, e, "accept-order", "accept", "Provider accepts a created order", e.AcceptOrder)
	registerOrderTransition(api, e, "complete-order", "complete", "Client confirms delivery, releasing escrow", e.CompleteOrder)
	registerOrderTransition(api, e, "cancel-order", "cancel", "Cancel a created order, refunding the client", e.CancelOrder)
}

func registerOrderTransition(api huma.API, e *engine.Engine, opID, action, summary string, fn func(context.Context, string, int64) error) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/" + action,
		Summary:     summary,
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		OrderID int64 `path:"order_id"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := fn(ctx, account, input.OrderID); err != nil {
			return nil, handleError(err)
		}
		o, err := e.Repo.GetOrder(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: o}, nil
	})
}

func registerRoles(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/roles",
		Summary:       "Grant a role",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body GrantRoleRequest `json:"body"`
	}) (*struct{}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, caller, input.Body.Account, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/roles/{account}/{role}",
		Summary:     "Revoke a role",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		Role    string `path:"role"`
	}) (*struct{}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, caller, input.Account, input.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-roles",
		Method:      http.MethodGet,
		Path:        "/roles/{account}",
		Summary:     "Roles held by an account",
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
	}) (*struct {
		Body RolesResponse `json:"body"`
	}, error) {
		roles, err := e.Access.AccountRoles(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RolesResponse `json:"body"`
		}{Body: RolesResponse{Account: input.Account, Roles: roles}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event log",
		Description: "Pass after=<last seen id> to page forward, or omit it for the newest events.",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit" default:"50" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, input.After, limit)
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/auth/keys",
		Summary:       "Create an API key for the caller",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw := newRawAPIKey()
		k := domain.APIKey{
			ID:        newKeyID(),
			Account:   account,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, k); err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(k)
		resp.Key = raw
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/auth/keys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, account)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/auth/keys/{key_id}",
		Summary:     "Delete one of the caller's API keys",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, account, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a short-lived JWT for an account (dev only)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Account string `json:"account"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if !cfg.EnableDevLogin {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		if input.Body.Account == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "account is required", nil)
		}
		token, err := issueJWT(input.Body.Account, cfg.JWTSecret, 24*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}
