package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/modulus/internal/action"
	"github.com/pitabwire/modulus/internal/config"
	"github.com/pitabwire/modulus/internal/observability"
	"github.com/pitabwire/modulus/internal/render"
	"github.com/pitabwire/modulus/internal/resolver"
	"github.com/pitabwire/modulus/internal/store"
	"github.com/pitabwire/modulus/internal/validation"
	"github.com/pitabwire/modulus/model"
)

// ConfigStore is the command surface of the module document. *store.Store
// implements it.
type ConfigStore interface {
	Load(ctx context.Context) (store.Document, error)
	Save(ctx context.Context, cfg model.ModulesConfig, expect store.Revision) (store.Document, error)
	UpsertModule(ctx context.Context, patch store.ModulePatch, expect store.Revision) (store.Document, error)
	DeleteModule(ctx context.Context, moduleID string, expect store.Revision) (store.Document, error)
	UpsertSubmodule(ctx context.Context, moduleID string, patch store.SubmodulePatch, expect store.Revision) (store.Document, error)
	DeleteSubmodule(ctx context.Context, moduleID, subID string, expect store.Revision) (store.Document, error)
	CreateBackup(ctx context.Context) (string, error)
	ListBackups(ctx context.Context) ([]string, error)
	GetBackup(ctx context.Context, name string) (model.ModulesConfig, error)
	RestoreBackup(ctx context.Context, name string, expect store.Revision) (store.Document, error)
}

// DataResolver resolves ad-hoc data sources for /ui/resolve.
// *resolver.Resolver implements it.
type DataResolver interface {
	render.DataResolver
	Fetch(ctx context.Context, rctx *model.RequestContext, ds *model.DataSource, params map[string]model.Value) (model.Value, bool, error)
}

var _ DataResolver = (*resolver.Resolver)(nil)

// FormRecorder counts rejected form submissions.
type FormRecorder interface {
	RecordFormValidationFailure(formID string)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Store        ConfigStore
	Engine       *action.Engine
	Renderer     *render.Renderer
	Resolver     DataResolver
	Validator    *validation.Validator
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	h := &handlers{
		store:     deps.Store,
		engine:    deps.Engine,
		renderer:  deps.Renderer,
		resolver:  deps.Resolver,
		validator: deps.Validator,
		logger:    deps.Logger,
	}
	if deps.Renderer != nil {
		h.navigators = render.NewNavigators(deps.Renderer)
	}
	if h.validator == nil {
		h.validator = validation.New(deps.Logger)
	}
	if deps.Metrics != nil {
		h.forms = deps.Metrics
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))

		r.Get("/ui/menu", h.menu)
		r.Get("/ui/render", h.render)
		r.Post("/ui/actions/{moduleId}/{submoduleId}/{actionId}", h.executeAction)
		r.Post("/ui/forms/{moduleId}/{submoduleId}/{formId}/submit", h.submitForm)
		r.Post("/ui/resolve", h.resolve)

		r.Route("/api/settings/modules", func(r chi.Router) {
			r.Use(RequireRole(deps.Config.Settings.AdminRoles...))

			r.Get("/", h.getModules)
			r.Put("/", h.replaceModules)

			r.Get("/backups", h.listBackups)
			r.Post("/backups", h.createBackup)
			r.Get("/backups/{name}", h.getBackup)
			r.Post("/backups/{name}/restore", h.restoreBackup)

			r.Put("/{moduleId}", h.upsertModule)
			r.Delete("/{moduleId}", h.deleteModule)
			r.Put("/{moduleId}/submodules/{submoduleId}", h.upsertSubmodule)
			r.Delete("/{moduleId}/submodules/{submoduleId}", h.deleteSubmodule)
		})
	})

	return r
}

// handlers carries the services behind the HTTP surface.
type handlers struct {
	store      ConfigStore
	engine     *action.Engine
	renderer   *render.Renderer
	navigators *render.Navigators
	resolver   DataResolver
	validator  *validation.Validator
	forms      FormRecorder
	logger     *zap.Logger
}
