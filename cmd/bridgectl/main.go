package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/go-appservice-bridge/pkg/bridge"
	"github.com/matrix-org/go-appservice-bridge/pkg/bridgeconfig"
)

func readRandom(b []byte) (int, error) {
	return io.ReadFull(rand.Reader, b)
}

var (
	flagGenerateRegistration = flag.Bool("r", false, "Generate a new AS registration YAML file and exit")
	flagGenerateRegistrationLong = flag.Bool("generate-registration", false, "Alias of -r")
	flagHomeserverURL        = flag.String("u", "http://localhost:8008", "Homeserver URL, used with -r")
	flagRegistrationFile     = flag.String("f", "registration.yaml", "Path to the AS registration YAML file")
	flagLocalpart            = flag.String("l", "bridgebot", "Bot sender localpart, used with -r")
	flagConfigFile           = flag.String("c", "", "Path to the bridge config YAML file")
	flagPort                 = flag.Int("p", 9000, "Port to listen on for AS transactions")
)

func main() {
	flag.Parse()
	log := logrus.NewEntry(logrus.StandardLogger())

	if *flagGenerateRegistration || *flagGenerateRegistrationLong {
		if err := generateRegistration(); err != nil {
			log.WithError(err).Error("failed to generate registration")
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *flagConfigFile == "" {
		fmt.Fprintln(os.Stderr, "usage: bridgectl -c <config.yaml>  or  bridgectl -r [-u url] [-f file] [-l localpart]")
		os.Exit(1)
	}

	if err := run(log); err != nil {
		log.WithError(err).Error("bridge exited with error")
		os.Exit(1)
	}
}

func generateRegistration() error {
	reg := bridgeconfig.Registration{
		ID:              "go-appservice-bridge",
		URL:             *flagHomeserverURL,
		ASToken:         randomToken(),
		HSToken:         randomToken(),
		SenderLocalpart: *flagLocalpart,
		Namespaces: bridgeconfig.Namespaces{
			Users: []bridgeconfig.NamespaceEntry{
				{Regex: fmt.Sprintf("@%s.*:.*", *flagLocalpart), Exclusive: true},
			},
		},
	}
	data, err := reg.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling registration: %w", err)
	}
	if err := os.WriteFile(*flagRegistrationFile, data, 0o600); err != nil {
		return fmt.Errorf("writing registration file: %w", err)
	}
	fmt.Printf("wrote registration to %s\n", *flagRegistrationFile)
	return nil
}

func run(log *logrus.Entry) error {
	cfg, err := bridgeconfig.Load(*flagConfigFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	registrationPath := cfg.RegistrationPath
	if registrationPath == "" {
		registrationPath = *flagRegistrationFile
	}
	registration, err := bridgeconfig.LoadRegistration(registrationPath)
	if err != nil {
		return fmt.Errorf("loading registration: %w", err)
	}

	b, err := bridge.New(cfg, registration, nil, bridge.Hooks{}, log)
	if err != nil {
		return fmt.Errorf("constructing bridge: %w", err)
	}
	defer b.Stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *flagPort),
		Handler: b.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Info("reloading config on SIGHUP")
				if err := b.ReloadConfig(ctx); err != nil {
					log.WithError(err).Error("failed to reload config")
				}
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("shutting down")
				srv.Close()
				cancel()
				return
			}
		}
	}()

	log.WithField("addr", srv.Addr).Info("listening for AS transactions")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func randomToken() string {
	b := make([]byte, 32)
	if _, err := readRandom(b); err != nil {
		for i := range b {
			b[i] = byte(i) ^ 0x5a
		}
	}
	return fmt.Sprintf("%x", b)
}
