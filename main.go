package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"kmshare/auth"
	"kmshare/config"
	"kmshare/crypto"
	"kmshare/discovery"
	"kmshare/models"
	"kmshare/network"
	"kmshare/registry"
	"kmshare/relay"
	"kmshare/roles"
	"kmshare/storage"
)

func main() {
	mode := "daemon"
	pairAddress := ""
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "pair":
			if len(args) != 2 {
				log.Fatalf("usage: kmshare pair <host:port>")
			}
			mode = "pair"
			pairAddress = args[1]
		case "master", "client":
			mode = args[0]
		default:
			log.Fatalf("unknown command %q (expected pair, master or client)", args[0])
		}
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	certificate, err := crypto.EnsureTLSCertificate(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.DeviceName)
	if err != nil {
		log.Fatalf("startup failed while preparing TLS certificate: %v", err)
	}
	fingerprint, err := crypto.TLSCertificateFingerprint(certificate)
	if err != nil {
		log.Fatalf("startup failed while fingerprinting certificate: %v", err)
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Hardware Addr:   %s\n", cfg.HardwareAddr)
	fmt.Printf("Listening Port:  %d\n", cfg.ListeningPort)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(fingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", cfg.DataDir)

	store, dbPath, err := storage.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	store.SetAuditRetention(cfg.AuditRetention())
	fmt.Printf("Database File:   %s\n", dbPath)

	devices := registry.NewDevices(store)
	connections := registry.NewConnections()
	arbitrator := roles.New(devices, connections)
	authenticator := auth.NewAuthenticator()
	sink := relay.NewChannelSink(cfg.QueueCapacity)

	manager, err := network.NewManager(network.ManagerOptions{
		Identity: network.LocalIdentity{
			DeviceID:     cfg.DeviceID,
			DeviceName:   cfg.DeviceName,
			HardwareAddr: cfg.HardwareAddr,
			OS:           runtime.GOOS,
			Certificate:  certificate,
		},
		Devices:           devices,
		Connections:       connections,
		Arbitrator:        arbitrator,
		Authenticator:     authenticator,
		Store:             store,
		Sink:              sink,
		ListenAddress:     fmt.Sprintf(":%d", cfg.ListeningPort),
		KeepAliveInterval: cfg.KeepAliveInterval(),
		KeepAliveTimeout:  cfg.KeepAliveTimeout(),
		Pipeline: relay.Options{
			QueueCapacity:   cfg.QueueCapacity,
			InterEventDelay: cfg.InterEventDelay(),
		},
	})
	if err != nil {
		log.Fatalf("startup failed while building session manager: %v", err)
	}
	if err := manager.Start(); err != nil {
		log.Fatalf("startup failed while opening listener: %v", err)
	}
	defer manager.Stop()
	fmt.Printf("Listening On:    %s\n", manager.Addr())

	discoveryService, err := discovery.Start(discovery.Config{
		SelfDeviceID:    cfg.DeviceID,
		DeviceName:      cfg.DeviceName,
		ListeningPort:   cfg.ListeningPort,
		Role:            string(models.RoleUnassigned),
		ProtocolVersion: network.ProtocolVersion,
		Fingerprint:     fingerprint,
	})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Stop()
		fmt.Println("Discovery:       running")
		go logDiscoveryEvents(discoveryService.Scanner.Events())
	}

	go logManagerErrors(manager.Errors())
	go logPairingSecrets(manager.PairingSecrets())
	go answerPassphrasePrompts(manager.PassphrasePrompts())
	go logAppliedInput(sink.Events())

	switch mode {
	case "pair":
		go func() {
			log.Printf("pairing with %s", pairAddress)
			if err := manager.Pair(pairAddress); err != nil {
				log.Printf("pairing with %s failed: %v", pairAddress, err)
				return
			}
			log.Printf("pairing with %s complete", pairAddress)
		}()
	case "master":
		if err := manager.BecomeMaster(); err != nil {
			log.Printf("master request failed: %v", err)
		} else {
			log.Printf("acting as master")
			if discoveryService != nil {
				discoveryService.Broadcaster.SetRole(string(models.RoleMaster))
			}
		}
	case "client":
		if err := manager.BecomeClient(); err != nil {
			log.Printf("client request failed: %v", err)
		} else {
			log.Printf("acting as client")
			if discoveryService != nil {
				discoveryService.Broadcaster.SetRole(string(models.RoleClient))
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logDiscoveryEvents(events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventCandidateUpserted:
			log.Printf("discovery: candidate available id=%s name=%q addr=%s port=%d role=%s",
				event.Candidate.DeviceID, event.Candidate.DeviceName,
				event.Candidate.Address, event.Candidate.Port, event.Candidate.Metadata["role"])
		case discovery.EventCandidateRemoved:
			log.Printf("discovery: candidate removed id=%s", event.Candidate.DeviceID)
		default:
			log.Printf("discovery: event=%s id=%s", event.Type, event.Candidate.DeviceID)
		}
	}
}

func logManagerErrors(errs <-chan error) {
	for err := range errs {
		log.Printf("session: %v", err)
	}
}

func logPairingSecrets(secrets <-chan network.PairingSecret) {
	for secret := range secrets {
		fmt.Printf("\nPairing request from %s (%s)\n", secret.RemoteDeviceName, secret.RemoteDeviceID)
		fmt.Printf("Passphrase:      %s\n", secret.Secret)
		fmt.Println("Type this passphrase on the requesting device to finish pairing.")
	}
}

// answerPassphrasePrompts relays stdin lines to pairing prompts. Respond is
// buffered, so a late answer after the pairing deadline is discarded by the
// manager rather than blocking this loop.
func answerPassphrasePrompts(prompts <-chan network.PassphrasePrompt) {
	scanner := bufio.NewScanner(os.Stdin)
	for prompt := range prompts {
		fmt.Printf("Enter the passphrase shown on device %s: ", prompt.RemoteDeviceID)
		if !scanner.Scan() {
			return
		}
		prompt.Respond <- strings.TrimSpace(scanner.Text())
	}
}

func logAppliedInput(events <-chan models.InputEvent) {
	for event := range events {
		switch event.Kind {
		case models.EventKeyPress, models.EventKeyRelease:
			log.Printf("input: %s code=%d", event.Kind, event.KeyCode)
		case models.EventMouseMove:
			log.Printf("input: %s x=%d y=%d", event.Kind, event.X, event.Y)
		case models.EventMouseClick:
			log.Printf("input: %s button=%d count=%d", event.Kind, event.Button, event.ClickCount)
		case models.EventMouseScroll:
			log.Printf("input: %s delta=%d", event.Kind, event.ScrollDelta)
		}
	}
}
