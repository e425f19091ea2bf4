package workers

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"escrowrelay/config"
	"escrowrelay/workers/handlers"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(api *handlers.API, dashboardDir string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Options("/*", CORSHeaders)

	r.Get("/health", api.HealthCheck)

	r.Get("/transactions", api.ListTransactions)
	r.Get("/transactions/{nonce}", api.GetTransaction)
	r.Get("/transactions/{nonce}/events", api.GetEvents)
	r.Get("/transactions/{nonce}/proof", api.GetProof)
	r.Get("/metrics", api.Metrics)
	r.Get("/ws", api.Stream)

	r.Handle("/prometheus", promhttp.Handler())

	r.Route("/control", func(r chi.Router) {
		r.Post("/start-simulation", api.StartSimulation)
		r.Post("/stop-simulation", api.StopSimulation)
		r.Get("/simulation-status", api.SimulationStatus)
		r.Post("/clear-data", api.ClearData)
		r.Post("/pause", api.Pause)
		r.Post("/resume", api.Resume)
		r.Post("/unhalt/{nonce}", api.Unhalt)
	})

	// a bit of logic to prevent directory listing
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		filesDir, err := filepath.Abs(dashboardDir)
		if err != nil {
			http.Error(w, "unable to open", http.StatusInternalServerError)
			return
		}
		filePath := filepath.Join(filesDir, filepath.Clean("/"+r.URL.Path))

		fileInfo, err := os.Stat(filePath)
		if err != nil || fileInfo.IsDir() {
			filePath = filepath.Join(filesDir, "index.html")
			fileInfo, err = os.Stat(filePath)
			if err != nil {
				http.NotFound(w, r)
				return
			}
		}

		file, err := os.Open(filePath)
		if err != nil {
			// this should not happen at this point
			http.Error(w, "unable to open", http.StatusInternalServerError)
			return
		}
		defer file.Close()

		http.ServeContent(w, r, file.Name(), fileInfo.ModTime(), file)
	})

	return r
}

// Worker_HTTP serves handler until SIGINT/SIGTERM, then shuts the server
// down and calls stop so the other workers exit.
func Worker_HTTP(cfg config.Server, handler http.Handler, stop context.CancelFunc) {
	log.Printf("Starting HTTP service")

	var server *http.Server

	if cfg.UseSSL {
		cert, err := tls.LoadX509KeyPair("certchain.pem", "privatekey.pem")
		if err != nil {
			log.Fatalf("error loading TLS certificate: %s", err)
		}
		server = &http.Server{
			Addr:    ":443",
			Handler: handler,
			TLSConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			},
		}
	} else {
		server = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler: handler,
		}
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if cfg.UseSSL {
			if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				log.Fatalf("error listening to: %s", err)
			}
		} else {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("error listening to: %s", err)
			}
		}
	}()
	log.Print("HTTP service started")

	<-done
	log.Print("HTTP service stopped")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// websocket connections are hijacked and not closed by Shutdown
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP service shutdown error: %+v", err)
	} else {
		log.Print("HTTP service shutdown normal")
	}

	// send signal to other threads/workers to exit
	stop()
}

func CORSHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
	w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, Origin, X-Requested-With")
}
