package servers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/docmigrate/docmigrate/src/instance"
	applog "github.com/docmigrate/docmigrate/src/log"
	"github.com/docmigrate/docmigrate/src/metrics"
)

// Server 状态查询 HTTP 服务，只读，不修改任何版本行
type Server struct {
	server *http.Server
}

// NewServer 创建状态查询服务
func NewServer(ctx context.Context) *Server {
	inst := instance.GetInstance(ctx)

	router := mux.NewRouter()
	router.Use(log)
	router.HandleFunc("/api/info", getAppInfo).Methods("GET")
	router.HandleFunc("/api/schemas/{id}", getSchemaVersion).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	httpServer := &http.Server{
		Addr: inst.Config.RPC.Bind,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			router.ServeHTTP(w, r.WithContext(instance.WithInstance(r.Context(), inst)))
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := &Server{server: httpServer}
	inst.Server = server
	return server
}

// Start 启动服务
func (s *Server) Start(ctx context.Context) error {
	inst := instance.GetInstance(ctx)
	inst.WaitGroup.Add(1)
	go func() {
		defer inst.WaitGroup.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			applog.GetLogger().WithError(err).Error("status server exited unexpectedly")
		}
	}()
	applog.WithFields(map[string]any{"bind": s.server.Addr}).Info("status server started")
	return nil
}

// Close 关闭服务
func (s *Server) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		applog.GetLogger().WithError(err).Warn("status server shutdown failed")
	}
}
