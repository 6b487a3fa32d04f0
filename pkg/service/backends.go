// Package service assembles the collection service from configuration.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/critica-chat/pkg/api"
	"github.com/mahaj/critica-chat/pkg/auth"
	"github.com/mahaj/critica-chat/pkg/broker"
	"github.com/mahaj/critica-chat/pkg/config"
	"github.com/mahaj/critica-chat/pkg/db"
	"github.com/mahaj/critica-chat/pkg/gateway"
	"github.com/mahaj/critica-chat/pkg/presence"
	"github.com/mahaj/critica-chat/pkg/store"
)

const shutdownTimeout = 5 * time.Second

// Broker publishes and subscribes collection events.
type Broker interface {
	broker.Publisher
	broker.Subscriber
}

// Backends holds the storage, presence and event bus selected by
// configuration. A single Backends may back both the api and the gateway.
type Backends struct {
	Store    store.Store
	Presence presence.Tracker
	Broker   Broker

	closers []io.Closer
}

// Open connects every configured backend.
func Open(cfg config.ServiceConfig, log zerolog.Logger) (*Backends, error) {
	b := &Backends{}

	switch cfg.Store {
	case config.BackendScylla:
		if err := db.Migrate(cfg.ScyllaHosts, cfg.Keyspace, log); err != nil {
			return nil, err
		}
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace, log)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, closerFunc(session.Close))
		b.Store = db.NewRecordStore(session)
	default:
		b.Store = store.NewMemory()
	}

	switch cfg.Presence {
	case config.BackendRedis:
		r := presence.NewRedis(cfg.RedisAddr)
		b.closers = append(b.closers, r)
		b.Presence = r
	default:
		b.Presence = presence.NewMemory()
	}

	switch cfg.Broker {
	case config.BackendKafka:
		k := broker.NewKafka(cfg.KafkaBroker, cfg.KafkaTopic, log)
		b.closers = append(b.closers, k)
		b.Broker = k
	default:
		b.Broker = broker.NewMemory(log)
	}

	log.Info().
		Str("store", cfg.Store).
		Str("presence", cfg.Presence).
		Str("broker", cfg.Broker).
		Msg("backends ready")
	return b, nil
}

func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	return errors.Join(errs...)
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// NewAPI builds the HTTP api over b.
func NewAPI(cfg config.ServiceConfig, b *Backends, log zerolog.Logger) (*api.Server, error) {
	users, err := auth.NewDirectory(cfg.Users)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	return api.New(users, issuer, b.Store, b.Broker, b.Presence, log), nil
}

// NewGateway builds the websocket hub over b. The hub does nothing until
// Run is called.
func NewGateway(cfg config.ServiceConfig, b *Backends, log zerolog.Logger) (*gateway.Hub, error) {
	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	return gateway.NewHub(issuer, b.Broker, b.Presence, log), nil
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("stopped")
	return nil
}
