package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/modelbridge/modelbridge/internal/api"
	"github.com/modelbridge/modelbridge/internal/authflow"
	"github.com/modelbridge/modelbridge/internal/authstore"
	"github.com/modelbridge/modelbridge/internal/config"
	"github.com/modelbridge/modelbridge/internal/db"
	"github.com/modelbridge/modelbridge/internal/events"
	"github.com/modelbridge/modelbridge/internal/gateway"
	"github.com/modelbridge/modelbridge/internal/permissions"
	"github.com/modelbridge/modelbridge/internal/plugins"
	"github.com/modelbridge/modelbridge/internal/plugins/builtin"
	"github.com/modelbridge/modelbridge/internal/registry"
	"github.com/modelbridge/modelbridge/internal/version"
)

func main() {
	// Load runtime configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize database
	dbPath := os.Getenv("BRIDGE_DB")
	if dbPath == "" {
		dbPath = "bridge.db"
	}
	gdb, err := db.InitDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	store := db.NewStore(gdb)

	// Event bus
	bus := events.NewBus()

	// Plugins
	pm := plugins.NewManager()
	pm.Register(builtin.NewAPIKey())
	pm.Register(builtin.NewCopilot())
	pm.Register(builtin.NewPAT("github-copilot", "^gh[pous]_"))

	// Credential store, catalog, permission engine
	auth := authstore.New(store, bus)
	reg := registry.New(store, cfg, pm, auth, bus, registry.NewModelsDevClient(store))
	engine := permissions.NewEngine(store, bus)

	// Auth flows (headless window host, browser launch via logged URL)
	flows := authflow.NewManager(pm, auth, reg, bus, nil, plugins.NewOAuthHelper(nil))
	flows.StartSweeper()
	defer flows.Stop()

	// Request gateway
	gw := gateway.New(reg, auth, pm)

	// Warm the catalog so first reads are fast
	if err := reg.Ensure(context.Background()); err != nil {
		log.Printf("⚠️ Initial catalog build failed: %v", err)
	}

	router := api.NewRouter(api.Deps{
		DB:          gdb,
		Registry:    reg,
		Auth:        auth,
		Permissions: engine,
		Flows:       flows,
		Gateway:     gw,
		Bus:         bus,
	})

	host := os.Getenv("HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8087"
	}
	addr := host + ":" + port

	log.Printf("🚀 ModelBridge %s starting on http://%s", version.Version, addr)
	log.Printf("🔌 RPC API: http://%s/api", addr)

	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
