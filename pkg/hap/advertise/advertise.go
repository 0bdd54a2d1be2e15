// Package advertise runs the mDNS "_hap._tcp" advertisement control loop
// (spec §4.K): building the TXT record HomeKit controllers use to discover
// and filter accessories, and republishing it whenever the pairing status
// or the accessory database's structural hash changes. Grounded on the
// teacher's pkg/hap/mdns/server.go (kept nearly verbatim: NewServer wraps
// hashicorp/mdns with the HAP-required hostname/zone shape) and pyhap's
// config_changed, which bumps "c#" and re-announces on the same triggers.
package advertise

import (
	"fmt"
	"sync"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"

	"github.com/gohap/hap/pkg/hap"
	hapmdns "github.com/gohap/hap/pkg/hap/mdns"
	"github.com/gohap/hap/pkg/hap/setup"
	"github.com/gohap/hap/pkg/hap/state"
)

// Status flags for the "sf" TXT key (HAP table 6-8).
const (
	StatusPaired    = 0x00
	StatusNotPaired = 0x01
)

// Feature flags for the "ff" TXT key (HAP table 6-8). This library never
// supports HAP pairing over MFi hardware auth, so bit 0 stays clear.
const FeatureFlagsNone = 0x00

// Advertiser owns the mDNS service record for one accessory server.
type Advertiser struct {
	name     string
	port     int
	category int
	store    *state.Store
	log      zerolog.Logger

	mu     sync.Mutex
	server *mdns.Server
	paired bool
}

// New builds an Advertiser. category is the HAP accessory category value
// advertised in "ci" (spec §3's Category enum).
func New(name string, port int, category int, store *state.Store) *Advertiser {
	return &Advertiser{name: name, port: port, category: category, store: store, log: hap.Logger("advertise")}
}

// Start publishes the initial mDNS record and blocks until Stop is called
// only in the sense that the underlying hashicorp/mdns.Server runs its own
// goroutine; Start itself returns immediately once the record is live.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.paired = a.store.Paired()
	srv, err := hapmdns.NewServer(a.name, a.port, nil, a.txtRecords())
	if err != nil {
		return fmt.Errorf("advertise: start mdns: %w", err)
	}
	a.server = srv
	a.log.Info().Str("name", a.name).Int("port", a.port).Msg("advertising")
	return nil
}

// Stop tears down the mDNS record, e.g. on graceful shutdown.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return nil
	}
	err := a.server.Shutdown()
	a.server = nil
	return err
}

// UpdateStatus republishes the record if the accessory's paired/not-paired
// status has changed (spec §4.K: "sf" must reflect current pairing state).
func (a *Advertiser) UpdateStatus() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	paired := a.store.Paired()
	if paired == a.paired {
		return nil
	}
	a.paired = paired
	return a.republishLocked()
}

// OnStructuralChange bumps "c#" and republishes whenever the accessory
// database's topology changes (spec §4.K invariant: "c# increments on
// every structural change and never on a value-only change" — the caller,
// typically pkg/hap/server via Server.OnConfigChange, is responsible for
// only invoking this when accessory.Database.StructuralHash actually
// differs from its previously observed value).
func (a *Advertiser) OnStructuralChange() error {
	if _, err := a.store.BumpConfigVersion(); err != nil {
		return fmt.Errorf("advertise: bump config version: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.republishLocked()
}

// republishLocked must be called with a.mu held. hashicorp/mdns has no
// in-place TXT update, so a change in status or c# tears down and
// recreates the service record.
func (a *Advertiser) republishLocked() error {
	if a.server != nil {
		if err := a.server.Shutdown(); err != nil {
			return fmt.Errorf("advertise: shutdown for republish: %w", err)
		}
	}

	srv, err := hapmdns.NewServer(a.name, a.port, nil, a.txtRecords())
	if err != nil {
		return fmt.Errorf("advertise: republish: %w", err)
	}
	a.server = srv
	a.log.Debug().Uint64("c#", a.store.ConfigVersion()).Msg("republished")
	return nil
}

// txtRecords builds the HAP-required TXT keys (spec §4.K, HAP table 6-8):
// c# (config version), ff (feature flags), id (device id), md (model
// name), pv (protocol version), s# (state number, always 1), sf (status
// flags), ci (category), sh (setup hash, so a controller that scanned a
// setup-code QR via pkg/hap/setup can confirm it found the right
// accessory over mDNS).
func (a *Advertiser) txtRecords() []string {
	sf := StatusPaired
	if !a.store.Paired() {
		sf = StatusNotPaired
	}

	deviceID := a.store.DeviceID()
	return []string{
		fmt.Sprintf("c#=%d", a.store.ConfigVersion()),
		fmt.Sprintf("ff=%d", FeatureFlagsNone),
		fmt.Sprintf("id=%s", deviceID),
		fmt.Sprintf("md=%s", a.name),
		"pv=1.1",
		"s#=1",
		fmt.Sprintf("sf=%d", sf),
		fmt.Sprintf("ci=%d", a.category),
		fmt.Sprintf("sh=%s", setup.Hash(a.store.SetupID(), deviceID)),
	}
}
