package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/Domenick1991/staybook/api"
	"github.com/Domenick1991/staybook/config"
	"github.com/Domenick1991/staybook/internal/service/booking"
	"github.com/Domenick1991/staybook/internal/service/listings"
	"github.com/gin-gonic/gin"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const swaggerSpec = "bookings.swagger.json"

type Servers struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	health     *health.Server
	healthConn *grpc.ClientConn
}

// Run starts the gRPC health server and the HTTP server (REST API, /healthz
// via grpc-gateway, swagger) and blocks until ctx is canceled or a server fails.
func Run(
	ctx context.Context,
	cfg *config.Config,
	listingSvc listings.ListingUseCase,
	bookingSvc booking.BookingUseCase,
	webhooks api.WebhookParser,
	log *zap.Logger,
) error {
	s, err := newServers(cfg, listingSvc, bookingSvc, webhooks, log)
	if err != nil {
		return err
	}
	defer s.healthConn.Close()

	errCh := make(chan error, 2)

	lis, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPC.Address, err)
	}
	go func() { errCh <- s.grpcServer.Serve(lis) }()

	go func() {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("servers started", zap.String("http", cfg.HTTP.Address), zap.String("grpc", cfg.GRPC.Address))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		s.grpcServer.GracefulStop()
		return nil
	}
}

func newServers(
	cfg *config.Config,
	listingSvc listings.ListingUseCase,
	bookingSvc booking.BookingUseCase,
	webhooks api.WebhookParser,
	log *zap.Logger,
) (*Servers, error) {
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	conn, err := grpc.NewClient(dialTarget(cfg.GRPC.Address), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial health service: %w", err)
	}
	gw := runtime.NewServeMux(runtime.WithHealthzEndpoint(healthpb.NewHealthClient(conn)))

	handler := http.NewServeMux()
	handler.Handle("/healthz", gw)
	handler.Handle("/", newRouter(cfg.HTTP.BasePath, listingSvc, bookingSvc, webhooks, log))

	if cfg.HTTP.SwaggerDir != "" {
		fs := http.FileServer(http.Dir(cfg.HTTP.SwaggerDir))
		handler.Handle("/swagger/", http.StripPrefix("/swagger/", fs))
		handler.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL(path.Join("/swagger", swaggerSpec))))
	}

	return &Servers{
		grpcServer: grpcSrv,
		httpServer: &http.Server{
			Addr:              cfg.HTTP.Address,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		health:     healthSrv,
		healthConn: conn,
	}, nil
}

func newRouter(
	basePath string,
	listingSvc listings.ListingUseCase,
	bookingSvc booking.BookingUseCase,
	webhooks api.WebhookParser,
	log *zap.Logger,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(log))

	v1 := router.Group(basePath)
	api.NewListingHandler(listingSvc).Register(v1.Group("/listings"))
	api.NewBookingHandler(bookingSvc).Register(v1.Group("/bookings"))
	api.NewWebhookHandler(webhooks, bookingSvc, log).Register(v1.Group("/webhooks"))
	return router
}

// dialTarget turns a listen address like ":9090" into something dialable.
func dialTarget(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host != "" {
		return addr
	}
	return net.JoinHostPort("localhost", port)
}
