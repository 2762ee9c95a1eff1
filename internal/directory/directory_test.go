package directory

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/iwp-relay/internal/config"
	"github.com/ashureev/iwp-relay/internal/domain"
	"github.com/ashureev/iwp-relay/internal/idheaders"
	"github.com/ashureev/iwp-relay/internal/registry"
	"github.com/ashureev/iwp-relay/internal/relay"
	"github.com/go-chi/chi/v5"
)

func testDirConfig(t *testing.T, server, port string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: server,
		Port:   port,
		Host:   "127.0.0.1",
		Membership: config.MembershipConfig{
			MasterServer: server,
			MasterPort:   port,
		},
		Range: config.RangeConfig{
			File:       filepath.Join(dir, "range.txt"),
			MasterFile: filepath.Join(dir, "master_range.txt"),
			Size:       100,
		},
		Timeout: config.TimeoutConfig{
			Agent:   time.Second,
			Cache:   time.Second,
			Client:  time.Second,
			NoReply: time.Second,
		},
		HTTPClient: config.HTTPClientConfig{MaxClients: 10, Timeout: time.Second},
		BufferSize: relay.BufferSizeTable{},
	}
}

func newTestDirectory(t *testing.T, cfg *config.Config) (*Directory, *registry.Registry) {
	t.Helper()
	reg := registry.New(cfg.Timeout.Cache)
	dir, err := New(cfg, reg, nil)
	if err != nil {
		t.Fatalf("directory.New: %v", err)
	}
	return dir, reg
}

// membershipServer wraps a Directory's hello/range/find/connect handlers
// behind a real listener, the way cmd/server/main.go wires them, so a peer
// directory in another test can dial it exactly as a fleet member would.
func membershipServer(t *testing.T, d *Directory) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/hello", d.HandleHello)
	r.Post("/hello/{port}", func(w http.ResponseWriter, req *http.Request) {
		d.HandleHelloPort(w, req, chi.URLParam(req, "port"))
	})
	r.Post("/find", d.HandleFind)
	r.Post("/range", d.HandleRange)
	r.Post("/range/{port}", d.HandleRange)
	r.Post("/connect", d.HandleConnect)
	r.Post("/connected", d.HandleConnected)
	r.Post("/connected/{port}", d.HandleConnected)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func pollUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestHelloLearnsPeerServer covers the gossip path: an instance seeded with
// one peer server address dials its hello endpoint and learns that peer's
// self-reported identity, not just the dial address used to reach it.
func TestHelloLearnsPeerServer(t *testing.T) {
	peerCfg := testDirConfig(t, "peer-label", "7777")
	peerDir, _ := newTestDirectory(t, peerCfg)
	peerSrv := membershipServer(t, peerDir)

	selfCfg := testDirConfig(t, "self-label", "9999")
	selfCfg.Membership.Sites = []domain.Instance{{Server: peerSrv.Listener.Addr().String()}}
	selfDir, _ := newTestDirectory(t, selfCfg)

	selfDir.Start(context.Background())

	pollUntil(t, 2*time.Second, func() bool {
		selfDir.mu.Lock()
		defer selfDir.mu.Unlock()
		return selfDir.servers["peer-label"]
	})
	pollUntil(t, 2*time.Second, selfDir.Initialized)
}

// TestFindDesktopCascadesViaSiblingPort covers a ProductID this instance
// has never seen, resolved by cascading to a sibling port's /find.
func TestFindDesktopCascadesViaSiblingPort(t *testing.T) {
	siblingCfg := testDirConfig(t, "shared-host", "7000")
	siblingDir, siblingReg := newTestDirectory(t, siblingCfg)
	siblingReg.SetLocation("p1", domain.Instance{Server: "shared-host", Port: "7000"})
	siblingSrv := membershipServer(t, siblingDir)

	host, port := mustSplitHostPort(t, siblingSrv.Listener.Addr().String())

	selfCfg := testDirConfig(t, host, "7001")
	selfCfg.Membership.Sites = []domain.Instance{{Server: host, Port: port}}
	selfDir, selfReg := newTestDirectory(t, selfCfg)

	if _, known := selfReg.Location("p1"); known {
		t.Fatal("expected no local location entry before the cascade")
	}

	inst, ok := selfDir.FindDesktop(context.Background(), "p1")
	if !ok {
		t.Fatal("expected FindDesktop to resolve p1 via the sibling port cascade")
	}
	if inst.Server != "shared-host" || inst.Port != "7000" {
		t.Errorf("expected [shared-host:7000], got [%s:%s]", inst.Server, inst.Port)
	}
	if got, known := selfReg.Location("p1"); !known || got != inst {
		t.Error("expected a positive FindDesktop result to be cached locally")
	}
}

// TestFindDesktopCascadesViaPeerServer covers the same cascade through a
// peer server rather than a sibling port.
func TestFindDesktopCascadesViaPeerServer(t *testing.T) {
	peerCfg := testDirConfig(t, "peer-host", "8000")
	peerDir, peerReg := newTestDirectory(t, peerCfg)
	peerReg.SetLocation("p2", domain.Instance{Server: "peer-host", Port: "8000"})
	peerSrv := membershipServer(t, peerDir)

	selfCfg := testDirConfig(t, "self-host", "8001")
	selfCfg.Membership.Sites = []domain.Instance{{Server: peerSrv.Listener.Addr().String()}}
	selfDir, selfReg := newTestDirectory(t, selfCfg)

	inst, ok := selfDir.FindDesktop(context.Background(), "p2")
	if !ok {
		t.Fatal("expected FindDesktop to resolve p2 via the peer server cascade")
	}
	if inst.Server != "peer-host" || inst.Port != "8000" {
		t.Errorf("expected [peer-host:8000], got [%s:%s]", inst.Server, inst.Port)
	}
	if _, known := selfReg.Location("p2"); !known {
		t.Error("expected a positive FindDesktop result to be cached locally")
	}
}

// TestFindDesktopGivesUpWithNoPeers covers a ProductID nobody in the
// (empty) membership set can answer for.
func TestFindDesktopGivesUpWithNoPeers(t *testing.T) {
	cfg := testDirConfig(t, "lonely-host", "9000")
	dir, _ := newTestDirectory(t, cfg)

	if _, ok := dir.FindDesktop(context.Background(), "p3"); ok {
		t.Error("expected FindDesktop to report failure with no reachable peers")
	}
}

// TestHandleConnectRecordsSelfLocation covers the /connect path an agent
// hits directly: the receiving instance must record itself as the
// ProductID's owner before fanning the announcement out to any peers.
func TestHandleConnectRecordsSelfLocation(t *testing.T) {
	cfg := testDirConfig(t, "connect-host", "6100")
	dir, reg := newTestDirectory(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/connect", nil)
	req.Header.Set(idheaders.HeaderProductID, "p5")
	rec := httptest.NewRecorder()

	dir.HandleConnect(rec, req)

	inst, known := reg.Location("p5")
	if !known || inst != dir.Self() {
		t.Errorf("expected p5 located at %+v, got %+v (known=%v)", dir.Self(), inst, known)
	}
	if got := rec.Header().Get(idheaders.HeaderPort); got != "6100" {
		t.Errorf("expected X-IWP-Port 6100, got %q", got)
	}
}

// TestHandleConnectedLearnsAnnouncedLocation covers the /connected path an
// agent's own instance uses to fan an announcement out to its peers: the
// receiving side must record the announced (server, port) against the
// ProductID.
func TestHandleConnectedLearnsAnnouncedLocation(t *testing.T) {
	cfg := testDirConfig(t, "receiver", "6000")
	dir, reg := newTestDirectory(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/connected", nil)
	req.Header.Set(idheaders.HeaderProductID, "p4")
	req.Header.Set(idheaders.HeaderHost, "announcer")
	req.Header.Set(idheaders.HeaderPort, "6001")
	rec := httptest.NewRecorder()

	dir.HandleConnected(rec, req)

	inst, known := reg.Location("p4")
	if !known {
		t.Fatal("expected HandleConnected to record a location for p4")
	}
	if inst.Server != "announcer" || inst.Port != "6001" {
		t.Errorf("expected [announcer:6001], got [%s:%s]", inst.Server, inst.Port)
	}
}

// TestHandleRangeForwardsToMaster covers a non-master instance's /range
// handler: it must forward the request to the configured master and
// return whatever range the master carved, rather than answering locally.
func TestHandleRangeForwardsToMaster(t *testing.T) {
	masterCfg := testDirConfig(t, "master-host", "5000")
	masterDir, _ := newTestDirectory(t, masterCfg)
	if err := masterDir.masterRange.Replace(domain.IDRange{From: 1, To: 1000}); err != nil {
		t.Fatalf("seed master range: %v", err)
	}
	masterSrv := membershipServer(t, masterDir)
	masterHost, masterPort := mustSplitHostPort(t, masterSrv.Listener.Addr().String())

	selfCfg := testDirConfig(t, "follower-host", "5001")
	selfCfg.Membership.MasterServer = masterHost
	selfCfg.Membership.MasterPort = masterPort
	selfDir, _ := newTestDirectory(t, selfCfg)
	if selfDir.isMaster {
		t.Fatal("test setup error: follower instance must not be master")
	}

	req := httptest.NewRequest(http.MethodPost, "/range", nil)
	rec := httptest.NewRecorder()
	selfDir.HandleRange(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	from := rec.Header().Get(idheaders.HeaderRangeFrom)
	to := rec.Header().Get(idheaders.HeaderRangeTo)
	if from != "1" || to != "100" {
		t.Errorf("expected the master's carved [1,100], got [%s,%s]", from, to)
	}
}

func mustSplitHostPort(t *testing.T, addr string) (string, string) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	return host, port
}
