package balanceweb

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// NewRouter serves the latest snapshot at GET /api/state and the live
// stream at /ws.
func NewRouter(src Source, room *Room) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/state", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(src.Snapshot()); err != nil {
			log.Warn().Err(err).Msg("BalanceWeb: couldn't encode state")
		}
	}).Methods("GET")
	r.Handle("/ws", room)
	return r
}

// Serve runs an HTTP server for h on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("BalanceWeb: web server started")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		if lerr := <-errc; !errors.Is(lerr, http.ErrServerClosed) {
			err = errors.Join(err, lerr)
		}
		return err
	}
}
