// Package directory implements the InstanceDirectory: gossip-style
// membership (hello/hello-port), CustomerID range allocation from a
// master, location lookup (find/client), and the associated persistent
// range file.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/iwp-relay/internal/config"
	"github.com/ashureev/iwp-relay/internal/domain"
	"github.com/ashureev/iwp-relay/internal/idheaders"
	"github.com/ashureev/iwp-relay/internal/registry"
	"github.com/ashureev/iwp-relay/internal/relayerr"
)

// Directory manages membership and CustomerID ranges for one process.
type Directory struct {
	self     domain.Instance
	master   domain.Instance
	isMaster bool

	cfg    *config.Config
	reg    *registry.Registry
	client *PeerClient
	logger *slog.Logger

	ownRange    *RangeStore
	masterRange *RangeStore // only set when isMaster

	mu          sync.Mutex
	servers     map[string]bool // peer server DNS names
	ports       map[string]bool // sibling ports on this server
	pendingHello int
	initialized bool
}

// New builds a Directory and opens its range store(s). It does not yet
// contact any peer; call Start for that.
func New(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) (*Directory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ownRange, err := OpenRangeStore(cfg.Range.File)
	if err != nil {
		return nil, err
	}

	d := &Directory{
		self:     domain.Instance{Server: cfg.Server, Port: cfg.Port},
		master:   domain.Instance{Server: cfg.Membership.MasterServer, Port: cfg.Membership.MasterPort},
		isMaster: cfg.IsMaster(),
		cfg:      cfg,
		reg:      reg,
		client:   NewPeerClient(cfg.HTTPClient.MaxClients, cfg.HTTPClient.Timeout),
		logger:   logger,
		ownRange: ownRange,
		servers:  make(map[string]bool),
		ports:    make(map[string]bool),
	}

	if d.isMaster {
		masterRange, err := OpenRangeStore(cfg.Range.MasterFile)
		if err != nil {
			return nil, err
		}
		d.masterRange = masterRange
	}

	for _, site := range cfg.Membership.Sites {
		if site.Server == d.self.Server && site.Port != d.self.Port {
			d.ports[site.Port] = true
		} else if site.Server != d.self.Server {
			d.servers[site.Server] = true
		}
	}

	return d, nil
}

// Start launches the hello gossip round and, if needed, the initial range
// acquisition. It returns once the hello fan-out has been dispatched; it
// does not block for convergence.
func (d *Directory) Start(ctx context.Context) {
	d.mu.Lock()
	servers := keys(d.servers)
	ports := keys(d.ports)
	d.pendingHello += len(servers) + len(ports)
	d.mu.Unlock()

	for _, s := range servers {
		go d.helloServer(ctx, s)
	}
	for _, p := range ports {
		go d.helloPort(ctx, p)
	}
	if len(servers) == 0 && len(ports) == 0 {
		d.mu.Lock()
		d.initialized = true
		d.mu.Unlock()
	}

	if d.ownRange.NeedsRange() {
		go d.refillOwnRange(ctx)
	}
}

// Initialized reports whether the outstanding-hello counter has returned
// to zero.
func (d *Directory) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (d *Directory) helloDone() {
	d.mu.Lock()
	d.pendingHello--
	if d.pendingHello <= 0 {
		d.pendingHello = 0
		d.initialized = true
	}
	d.mu.Unlock()
}

// --- outbound membership -------------------------------------------------

func (d *Directory) helloServer(ctx context.Context, server string) {
	defer d.helloDone()
	url := fmt.Sprintf("http://%s/hello", server)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return
	}
	req.Header.Set(idheaders.HeaderHost, d.self.Server)
	req.Header.Set(idheaders.HeaderPort, d.self.Port)

	resp, err := d.client.Do(ctx, req)
	if err != nil {
		d.logger.Warn("hello to peer server failed, evicting", "server", server, "error", err)
		d.mu.Lock()
		delete(d.servers, server)
		d.mu.Unlock()
		return
	}
	defer DrainAndClose(resp)

	hosts := splitCSV(resp.Header.Get(idheaders.HeaderHosts))
	d.learnServers(ctx, hosts)
}

func (d *Directory) helloPort(ctx context.Context, port string) {
	defer d.helloDone()
	url := fmt.Sprintf("http://%s:%s/hello/%s", d.self.Server, port, port)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return
	}
	req.Header.Set(idheaders.HeaderHost, d.self.Server)
	req.Header.Set(idheaders.HeaderPort, d.self.Port)

	resp, err := d.client.Do(ctx, req)
	if err != nil {
		d.logger.Warn("hello to sibling port failed, evicting", "port", port, "error", err)
		d.mu.Lock()
		delete(d.ports, port)
		d.mu.Unlock()
		return
	}
	defer DrainAndClose(resp)

	ports := splitCSV(resp.Header.Get(idheaders.HeaderPorts))
	d.learnPorts(ctx, ports)
}

func (d *Directory) learnServers(ctx context.Context, hosts []string) {
	var fresh []string
	d.mu.Lock()
	for _, h := range hosts {
		if h == "" || h == d.self.Server || d.servers[h] {
			continue
		}
		d.servers[h] = true
		fresh = append(fresh, h)
	}
	d.pendingHello += len(fresh)
	d.mu.Unlock()

	for _, h := range fresh {
		go d.helloServer(ctx, h)
	}
}

func (d *Directory) learnPorts(ctx context.Context, ports []string) {
	var fresh []string
	d.mu.Lock()
	for _, p := range ports {
		if p == "" || p == d.self.Port || d.ports[p] {
			continue
		}
		d.ports[p] = true
		fresh = append(fresh, p)
	}
	d.pendingHello += len(fresh)
	d.mu.Unlock()

	for _, p := range fresh {
		go d.helloPort(ctx, p)
	}
}

// --- inbound membership handlers ------------------------------------------

// HandleHello forwards the hello to every sibling port on this server and
// replies with the servers known so far.
func (d *Directory) HandleHello(w http.ResponseWriter, r *http.Request) {
	host := r.Header.Get(idheaders.HeaderHost)
	port := r.Header.Get(idheaders.HeaderPort)
	if host != "" {
		d.mu.Lock()
		if host != d.self.Server && !d.servers[host] {
			d.servers[host] = true
			d.pendingHello++
			go d.helloServer(r.Context(), host)
		}
		d.mu.Unlock()
	}
	_ = port

	d.mu.Lock()
	ports := keys(d.ports)
	hosts := append(keys(d.servers), d.self.Server)
	d.mu.Unlock()

	for _, p := range ports {
		go func(p string) {
			url := fmt.Sprintf("http://%s:%s/hello/%s", d.self.Server, p, p)
			req, err := http.NewRequest(http.MethodPost, url, nil)
			if err != nil {
				return
			}
			req.Header.Set(idheaders.HeaderHost, host)
			req.Header.Set(idheaders.HeaderPort, port)
			resp, err := d.client.Do(r.Context(), req)
			if err != nil {
				return
			}
			DrainAndClose(resp)
		}(p)
	}

	w.Header().Set(idheaders.HeaderHosts, joinCSV(hosts))
	w.WriteHeader(http.StatusOK)
}

// HandleHelloPort replies with the sibling ports known so far.
func (d *Directory) HandleHelloPort(w http.ResponseWriter, r *http.Request, port string) {
	d.mu.Lock()
	if port != "" && port != d.self.Port && !d.ports[port] {
		d.ports[port] = true
		d.pendingHello++
		go d.helloPort(r.Context(), port)
	}
	ports := append(keys(d.ports), d.self.Port)
	d.mu.Unlock()

	w.Header().Set(idheaders.HeaderPorts, joinCSV(ports))
	w.WriteHeader(http.StatusOK)
}

// --- range allocation -------------------------------------------------

func (d *Directory) refillOwnRange(ctx context.Context) {
	rng, err := d.acquireRange(ctx, d.cfg.Range.Size)
	if err != nil {
		d.logger.Warn("range refill failed", "error", err)
		return
	}
	if rng.Empty() {
		return
	}
	if err := d.ownRange.Replace(rng); err != nil {
		d.logger.Error("failed to persist acquired range", "error", err)
	}
}

// acquireRange asks the master for size IDs; if the master can't be
// reached, it falls back to peers (servers, then sibling ports) in order
// until one responds with a non-empty range.
func (d *Directory) acquireRange(ctx context.Context, size uint64) (domain.IDRange, error) {
	if d.isMaster {
		rng, err := d.masterRange.Carve(size, domain.DefaultCarveFraction)
		return rng, err
	}

	if rng, ok := d.requestRange(ctx, d.master.Server, d.master.Port, size); ok {
		return rng, nil
	}

	d.mu.Lock()
	servers := keys(d.servers)
	ports := keys(d.ports)
	d.mu.Unlock()

	for _, s := range servers {
		if rng, ok := d.requestRange(ctx, s, "", size); ok {
			return rng, nil
		}
	}
	for _, p := range ports {
		if rng, ok := d.requestRange(ctx, d.self.Server, p, size); ok {
			return rng, nil
		}
	}
	return domain.IDRange{}, relayerr.Wrap(relayerr.ErrPeer, "no peer could satisfy a range request")
}

func (d *Directory) requestRange(ctx context.Context, server, port string, size uint64) (domain.IDRange, bool) {
	addr := server
	if port != "" {
		addr = fmt.Sprintf("%s:%s", server, port)
	}
	path := "/range"
	if port != "" && server == d.self.Server {
		path = "/range/" + port
	}
	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return domain.IDRange{}, false
	}
	req.Header.Set(idheaders.HeaderHost, d.self.Server)
	req.Header.Set(idheaders.HeaderPort, d.self.Port)
	req.Header.Set(idheaders.HeaderRangeSize, fmt.Sprint(size))

	resp, err := d.client.Do(ctx, req)
	if err != nil {
		return domain.IDRange{}, false
	}
	defer DrainAndClose(resp)

	from := resp.Header.Get(idheaders.HeaderRangeFrom)
	to := resp.Header.Get(idheaders.HeaderRangeTo)
	if from == "" || to == "" {
		return domain.IDRange{}, false
	}
	var rng domain.IDRange
	if _, err := fmt.Sscanf(from, "%d", &rng.From); err != nil {
		return domain.IDRange{}, false
	}
	if _, err := fmt.Sscanf(to, "%d", &rng.To); err != nil {
		return domain.IDRange{}, false
	}
	return rng, true
}

// HandleRange carves a sub-range out of master_range if this instance is
// master, otherwise forwards the request to the configured master.
func (d *Directory) HandleRange(w http.ResponseWriter, r *http.Request) {
	size := d.cfg.Range.Size
	if v := r.Header.Get(idheaders.HeaderRangeSize); v != "" {
		var parsed uint64
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil && parsed > 0 {
			size = parsed
		}
	}

	var rng domain.IDRange
	var err error
	if d.isMaster {
		rng, err = d.masterRange.Carve(size, domain.DefaultCarveFraction)
	} else {
		var ok bool
		rng, ok = d.requestRange(r.Context(), d.master.Server, d.master.Port, size)
		if !ok {
			http.Error(w, "", http.StatusBadGateway)
			return
		}
	}
	if err != nil {
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	if rng.Empty() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set(idheaders.HeaderRangeFrom, fmt.Sprint(rng.From))
	w.Header().Set(idheaders.HeaderRangeTo, fmt.Sprint(rng.To))
	w.WriteHeader(http.StatusOK)
}

// HandleGetUniversalID carves a single fresh CustomerID from this
// instance's own range. If the pool is exhausted it kicks off an
// asynchronous refill from the master and still answers this caller
// (possibly with no header set — the next caller succeeds post-refill).
func (d *Directory) HandleGetUniversalID(w http.ResponseWriter, r *http.Request) {
	rng, err := d.ownRange.Carve(1, 0)
	if err != nil {
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	if rng.Empty() {
		go d.refillOwnRange(context.Background())
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set(idheaders.HeaderProductID, fmt.Sprint(rng.From))
	w.WriteHeader(http.StatusOK)
}

// --- connect / connected ----------------------------------------------

// HandleConnect records that an agent connected here and fans the
// announcement out to every peer server and sibling port.
func (d *Directory) HandleConnect(w http.ResponseWriter, r *http.Request) {
	productID := idheaders.ProductID(r)
	if productID == "" {
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	d.reg.SetLocation(productID, d.self)

	d.mu.Lock()
	servers := keys(d.servers)
	ports := keys(d.ports)
	d.mu.Unlock()

	for _, s := range servers {
		go d.announceConnected(context.Background(), s, "", productID)
	}
	for _, p := range ports {
		go d.announceConnected(context.Background(), d.self.Server, p, productID)
	}

	w.Header().Set(idheaders.HeaderPort, d.self.Port)
	w.WriteHeader(http.StatusOK)
}

func (d *Directory) announceConnected(ctx context.Context, server, port, productID string) {
	path := "/connected"
	addr := server
	if port != "" {
		addr = fmt.Sprintf("%s:%s", server, port)
		path = "/connected/" + port
	}
	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return
	}
	req.Header.Set(idheaders.HeaderProductID, productID)
	req.Header.Set(idheaders.HeaderHost, d.self.Server)
	req.Header.Set(idheaders.HeaderPort, d.self.Port)

	resp, err := d.client.Do(ctx, req)
	if err != nil {
		d.logger.Warn("connected announce failed", "target", url, "error", err)
		return
	}
	DrainAndClose(resp)
}

// HandleConnected updates the location map with the announcing
// instance's coordinates; there is no behavioral difference between the
// bare and port-suffixed routes once the header is parsed, so both are
// wired to this one handler.
func (d *Directory) HandleConnected(w http.ResponseWriter, r *http.Request) {
	productID := idheaders.ProductID(r)
	host := r.Header.Get(idheaders.HeaderHost)
	port := r.Header.Get(idheaders.HeaderPort)
	if productID != "" && host != "" {
		d.reg.SetLocation(productID, domain.Instance{Server: host, Port: port})
	}
	w.WriteHeader(http.StatusOK)
}

// --- location lookup ----------------------------------------------------

// HandleFind returns the local location-map entry for the requested
// ProductID, if any.
func (d *Directory) HandleFind(w http.ResponseWriter, r *http.Request) {
	productID := idheaders.ProductID(r)
	inst, ok := d.reg.Location(productID)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set(idheaders.HeaderHost, inst.Server)
	w.Header().Set(idheaders.HeaderPort, inst.Port)
	w.WriteHeader(http.StatusOK)
}

// FindDesktop resolves ProductID to an owning instance, first from the
// local location map, then by cascading through one sibling port and one
// peer server's /find endpoint, caching a positive result.
func (d *Directory) FindDesktop(ctx context.Context, productID string) (domain.Instance, bool) {
	if inst, ok := d.reg.Location(productID); ok {
		return inst, true
	}

	d.mu.Lock()
	var port, server string
	for p := range d.ports {
		port = p
		break
	}
	for s := range d.servers {
		server = s
		break
	}
	d.mu.Unlock()

	if port != "" {
		if inst, ok := d.queryFind(ctx, d.self.Server, port, productID); ok {
			d.reg.SetLocation(productID, inst)
			return inst, true
		}
	}
	if server != "" {
		if inst, ok := d.queryFind(ctx, server, "", productID); ok {
			d.reg.SetLocation(productID, inst)
			return inst, true
		}
	}
	return domain.Instance{}, false
}

func (d *Directory) queryFind(ctx context.Context, server, port, productID string) (domain.Instance, bool) {
	addr := server
	if port != "" {
		addr = fmt.Sprintf("%s:%s", server, port)
	}
	url := fmt.Sprintf("http://%s/find", addr)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return domain.Instance{}, false
	}
	req.Header.Set(idheaders.HeaderProductID, productID)
	resp, err := d.client.Do(ctx, req)
	if err != nil {
		return domain.Instance{}, false
	}
	defer DrainAndClose(resp)

	host := resp.Header.Get(idheaders.HeaderHost)
	p := resp.Header.Get(idheaders.HeaderPort)
	if host == "" {
		return domain.Instance{}, false
	}
	return domain.Instance{Server: host, Port: p}, true
}

// Self returns this instance's coordinates.
func (d *Directory) Self() domain.Instance { return d.self }

// HandleClientEntry implements the cluster-level POST /client: the app's
// first hop, which does not touch this instance's Registry at all. It
// resolves ProductID via FindDesktop (local LocationMap, then one sibling
// port, then one peer server) and redirects, or reports "no agent".
func (d *Directory) HandleClientEntry(w http.ResponseWriter, r *http.Request) {
	productID := idheaders.ProductID(r)
	if inst, ok := d.FindDesktop(r.Context(), productID); ok {
		w.Header().Set(idheaders.HeaderHost, inst.Server)
		w.Header().Set(idheaders.HeaderPort, inst.Port)
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set(idheaders.HeaderResponseType, "0")
	w.WriteHeader(http.StatusOK)
}

// StartWorkers launches the periodic AgentCacheEntry sweep. It runs until
// ctx is cancelled.
func (d *Directory) StartWorkers(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.reg.SweepCache()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinCSV(items []string) string {
	out := ""
	for i, it := range items {
		if it == "" {
			continue
		}
		if i > 0 && out != "" {
			out += ","
		}
		out += it
	}
	return out
}
