package introspection

import (
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/genserver"
	"github.com/hamicek/nexus/localtable"
	"github.com/hamicek/nexus/supervisor"
)

func echoBehavior() genserver.Behavior {
	return genserver.Behavior{
		Init:       func(args any) (any, error) { return nil, nil },
		HandleCall: func(msg any, state any) (any, any, error) { return msg, state, nil },
		HandleCast: func(msg any, state any) (any, error) { return state, nil },
	}
}

func setup(t *testing.T) (*Collector, *event.Bus, *localtable.Table) {
	t.Helper()
	bus := event.New()
	local := localtable.New(bus)
	t.Cleanup(local.Close)
	return NewCollector("test@127.0.0.1:4369", local, nil), bus, local
}

func TestListServers(t *testing.T) {
	c, bus, local := setup(t)

	srv, err := genserver.Start(echoBehavior(), genserver.StartOptions{Bus: bus})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(nil)
	local.Add(srv)

	servers := c.ListServers()
	if len(servers) != 1 || servers[0].ServerId != srv.Id() {
		t.Fatalf("servers = %+v", servers)
	}
	if servers[0].Status != "running" {
		t.Errorf("status = %s", servers[0].Status)
	}
}

func TestProcessTreeGroupsSupervisedChildren(t *testing.T) {
	c, bus, local := setup(t)

	start := func(args any) (*genserver.Server, error) {
		s, err := genserver.Start(echoBehavior(), genserver.StartOptions{Bus: bus})
		if err == nil {
			local.Add(s)
		}
		return s, err
	}

	sv := supervisor.New("tree-sv", supervisor.OneForOne, supervisor.Options{Bus: bus})
	if err := sv.Start([]supervisor.ChildSpec{{Id: "child", Start: start, Restart: supervisor.Permanent}}); err != nil {
		t.Fatal(err)
	}
	defer sv.Stop(nil)
	c.TrackSupervisor(sv)

	// One unsupervised server alongside.
	loose, err := genserver.Start(echoBehavior(), genserver.StartOptions{Bus: bus})
	if err != nil {
		t.Fatal(err)
	}
	defer loose.Stop(nil)
	local.Add(loose)

	tree := c.ProcessTree()
	if tree.Kind != "node" || len(tree.Children) != 2 {
		t.Fatalf("tree = %+v", tree)
	}

	var supNode *TreeNode
	for i := range tree.Children {
		if tree.Children[i].Kind == "supervisor" {
			supNode = &tree.Children[i]
		}
	}
	if supNode == nil || len(supNode.Children) != 1 {
		t.Fatalf("supervisor subtree missing: %+v", tree)
	}
}

func TestHTTPSurface(t *testing.T) {
	c, bus, local := setup(t)
	srv, err := genserver.Start(echoBehavior(), genserver.StartOptions{Bus: bus})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(nil)
	local.Add(srv)

	ts := httptest.NewServer(Router(c, bus))
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/servers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var servers []ServerInfo
	if err := json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 {
		t.Fatalf("servers = %+v", servers)
	}
}

func TestMetricsCountLifecycleEvents(t *testing.T) {
	c, bus, _ := setup(t)

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, bus, c)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	srv, err := genserver.Start(echoBehavior(), genserver.StartOptions{Bus: bus})
	if err != nil {
		t.Fatal(err)
	}
	srv.Stop(nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "nexus_server_starts_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("nexus_server_starts_total not registered")
	}
}
