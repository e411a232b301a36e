package main

import (
	"context"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"shopexpress/audit"
	"shopexpress/auth"
	"shopexpress/backup"
	"shopexpress/broadcast"
	"shopexpress/consolidation"
	"shopexpress/directory"
	"shopexpress/manifest"
	"shopexpress/parcel"
	"shopexpress/rate"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
	ChangeRole(ctx context.Context, userID string, role auth.Role) (*auth.User, error)
}

type backupStatus interface {
	Status(ctx context.Context) (backup.StatusReport, error)
}

type manifestService interface {
	Create(ctx context.Context, params manifest.CreateParams) (manifest.Manifest, error)
	Get(ctx context.Context, id string) (manifest.Manifest, error)
	List(ctx context.Context, filters manifest.Filters) (manifest.ListResult, error)
	Update(ctx context.Context, id string, params manifest.UpdateParams) (manifest.Manifest, error)
	Close(ctx context.Context, id string) (manifest.Manifest, error)
	Unlock(ctx context.Context, id, reason string) (manifest.Manifest, error)
	History(ctx context.Context, id string) ([]audit.Entry, error)
	Totals(ctx context.Context, id string) (manifest.Totals, error)
}

type packageService interface {
	Create(ctx context.Context, params parcel.CreateParams) (parcel.Package, error)
	UpdateStatus(ctx context.Context, params parcel.UpdateStatusParams) (parcel.Package, error)
	UpdateFees(ctx context.Context, params parcel.UpdateFeesParams) (parcel.Package, error)
	Distribute(ctx context.Context, params parcel.DistributeParams) (parcel.Distribution, error)
	ListForCustomer(ctx context.Context, userID string, filters parcel.Filters) (parcel.ListResult, error)
	ListForManifest(ctx context.Context, manifestID string, filters parcel.Filters) (parcel.ListResult, error)
}

type directoryService interface {
	Create(ctx context.Context, kind directory.Kind, name string) (directory.Entry, error)
	List(ctx context.Context, kind directory.Kind, limit int) ([]directory.Entry, error)
}

type consolidationService interface {
	Consolidate(ctx context.Context, params consolidation.ConsolidateParams) (consolidation.Detail, error)
	UpdateStatus(ctx context.Context, id string, status parcel.Status) (consolidation.ConsolidatedPackage, error)
	Unconsolidate(ctx context.Context, id string) (consolidation.ConsolidatedPackage, error)
	ListForCustomer(ctx context.Context, customerID string, filters consolidation.Filters) (consolidation.ListResult, error)
}

type rateService interface {
	List(ctx context.Context, t rate.Type) ([]rate.Rate, error)
	Create(ctx context.Context, params rate.Params) (rate.Rate, error)
	Update(ctx context.Context, id string, params rate.Params) (rate.Rate, error)
	Delete(ctx context.Context, id string) error
	Quote(ctx context.Context, t rate.Type, measure, exchangeRate decimal.Decimal) (rate.Quote, error)
}

type broadcastService interface {
	Create(ctx context.Context, params broadcast.CreateParams) (broadcast.Message, error)
	Send(ctx context.Context, id string) (broadcast.Message, error)
	List(ctx context.Context, filters broadcast.Filters) (broadcast.ListResult, error)
}

type auditQuerier interface {
	Query(ctx context.Context, filters audit.Filters) ([]audit.Entry, int, error)
}

type auditExporter interface {
	Export(ctx context.Context, format audit.Format, filters audit.Filters) (string, error)
	Open(name string) (*os.File, error)
}

// Server holds the HTTP handlers' dependencies.
type Server struct {
	authService          authService
	manifestService      manifestService
	packageService       packageService
	consolidationService consolidationService
	rateService          rateService
	directoryService     directoryService
	broadcastService     broadcastService
	auditLogs            auditQuerier
	auditExports         auditExporter
	backups              backupStatus
	audit                audit.Recorder
	limiter              loginLimiter
	readiness            func(ctx context.Context) error
	corsOrigins          []string
	logger               *zap.Logger
}
