package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCreateAppliesDefaults(t *testing.T) {
	f := newFixture(t)

	info := f.mustCreate(t, "sandbox", 0, Attributes{"cpus": 1})

	if info.State != "created" {
		t.Errorf("expected state created, got %s", info.State)
	}
	if info.Owner != "alice" {
		t.Errorf("expected owner alice, got %s", info.Owner)
	}
	want := map[AttrName]interface{}{
		"cpus":      1.0,
		"ram":       25.0,
		"bandwidth": 1000000.0,
		"label":     "",
		"port":      1001.0,
	}
	for k, v := range want {
		if info.Attrs[k] != v {
			t.Errorf("attribute %s: expected %v, got %v", k, v, info.Attrs[k])
		}
	}
	if !info.Timeout.IsZero() {
		t.Errorf("expected no timeout without a default lifetime, got %v", info.Timeout)
	}
	if len(info.Children) != 0 {
		t.Errorf("expected no children, got %v", info.Children)
	}
}

func TestCreateTimeout(t *testing.T) {
	f := newFixture(t, func(o *ManagerOptions) { o.DefaultLifetime = time.Hour })

	parent := f.mustCreate(t, "sandbox", 0, nil)
	if want := f.clock.Add(time.Hour); !parent.Timeout.Equal(want) {
		t.Errorf("expected timeout %v, got %v", want, parent.Timeout)
	}

	child := f.mustCreate(t, "sandbox_interface", parent.ID, nil)
	if !child.Timeout.IsZero() {
		t.Errorf("expected child without timeout, got %v", child.Timeout)
	}

	explicit := f.clock.Add(5 * time.Minute)
	info, err := f.manager.Create(context.Background(), CreateRequest{Type: "plain", Timeout: explicit})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !info.Timeout.Equal(explicit) {
		t.Errorf("expected timeout %v, got %v", explicit, info.Timeout)
	}
}

func TestCreateRejected(t *testing.T) {
	tests := []struct {
		name     string
		req      func(sandbox, plain ID) CreateRequest
		wantKind ErrorKind
		wantCode string
	}{
		{
			name:     "unknown type",
			req:      func(_, _ ID) CreateRequest { return CreateRequest{Type: "nope"} },
			wantKind: KindNotFound,
		},
		{
			name:     "connection type",
			req:      func(_, _ ID) CreateRequest { return CreateRequest{Type: "bridge"} },
			wantKind: KindCapability,
		},
		{
			name: "unknown attribute",
			req: func(_, _ ID) CreateRequest {
				return CreateRequest{Type: "sandbox", Attrs: Attributes{"gpu": 1}}
			},
			wantKind: KindCapability,
			wantCode: ErrCodeUnknownAttr,
		},
		{
			name: "value out of range",
			req: func(_, _ ID) CreateRequest {
				return CreateRequest{Type: "sandbox", Attrs: Attributes{"cpus": 10}}
			},
			wantKind: KindCapability,
			wantCode: ErrCodeInvalidValue,
		},
		{
			name: "value of wrong type",
			req: func(_, _ ID) CreateRequest {
				return CreateRequest{Type: "sandbox", Attrs: Attributes{"cpus": "many"}}
			},
			wantKind: KindCapability,
			wantCode: ErrCodeInvalidValue,
		},
		{
			name:     "child without parent",
			req:      func(_, _ ID) CreateRequest { return CreateRequest{Type: "sandbox_interface"} },
			wantKind: KindCapability,
		},
		{
			name: "top-level type under parent",
			req: func(sandbox, _ ID) CreateRequest {
				return CreateRequest{Type: "sandbox", Parent: sandbox}
			},
			wantKind: KindCapability,
		},
		{
			name: "parent without child types",
			req: func(_, plain ID) CreateRequest {
				return CreateRequest{Type: "sandbox_interface", Parent: plain}
			},
			wantKind: KindCapability,
		},
		{
			name: "missing parent",
			req: func(_, _ ID) CreateRequest {
				return CreateRequest{Type: "sandbox_interface", Parent: 999}
			},
			wantKind: KindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sandbox := f.mustCreate(t, "sandbox", 0, nil)
			plain := f.mustCreate(t, "plain", 0, nil)
			before := len(f.manager.List(ElementFilter{}))

			_, err := f.manager.Create(context.Background(), tt.req(sandbox.ID, plain.ID))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if got := errorKind(err); got != tt.wantKind {
				t.Errorf("expected kind %s, got %s (%v)", tt.wantKind, got, err)
			}
			if tt.wantCode != "" && errorCode(err) != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, errorCode(err))
			}
			if after := len(f.manager.List(ElementFilter{})); after != before {
				t.Errorf("expected %d elements after rejection, got %d", before, after)
			}
			if n := f.pool.InUse(); n != 1 {
				t.Errorf("expected only the first sandbox port in use, got %d", n)
			}
		})
	}
}

func TestCreateInheritsParentOwner(t *testing.T) {
	f := newFixture(t)
	parent := f.mustCreate(t, "sandbox", 0, nil)

	child, err := f.manager.Create(context.Background(), CreateRequest{Type: "sandbox_interface", Parent: parent.ID})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if child.Owner != "alice" {
		t.Errorf("expected inherited owner alice, got %q", child.Owner)
	}

	parent, _ = f.manager.Info(parent.ID)
	if !slices.Equal(parent.Children, []ID{child.ID}) {
		t.Errorf("expected parent children [%d], got %v", child.ID, parent.Children)
	}
	if child.ID <= parent.ID {
		t.Errorf("expected child id above parent id, got child %d parent %d", child.ID, parent.ID)
	}
}

func TestInitFailureLeavesNothing(t *testing.T) {
	f := newFixture(t)
	f.sandbox.initErr = errors.New("disk full")

	_, err := f.manager.Create(context.Background(), CreateRequest{Type: "sandbox"})
	if !IsResource(err) {
		t.Fatalf("expected resource error, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("expected init failure to be retryable")
	}
	if n := len(f.manager.List(ElementFilter{})); n != 0 {
		t.Errorf("expected no elements, got %d", n)
	}
	if n := f.pool.InUse(); n != 0 {
		t.Errorf("expected allocated port to be released, %d still in use", n)
	}
	if len(f.store.elements) != 0 {
		t.Errorf("expected no stored records, got %d", len(f.store.elements))
	}
}

func TestPoolExhausted(t *testing.T) {
	f := newFixture(t)
	f.pool.limit = 1
	f.mustCreate(t, "sandbox", 0, nil)

	_, err := f.manager.Create(context.Background(), CreateRequest{Type: "sandbox"})
	if errorCode(err) != ErrCodeResourcesExhausted {
		t.Fatalf("expected %s, got %v", ErrCodeResourcesExhausted, err)
	}
}

// Attributes locked by the operational state stay writable until start.
func TestSandboxLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.mustCreate(t, "sandbox", 0, nil)
	if e.Attrs["cpus"] != 0.25 || e.Attrs["ram"] != 25.0 || e.Attrs["bandwidth"] != 1000000.0 {
		t.Fatalf("unexpected defaults: %v", e.Attrs)
	}

	e, err := f.manager.Modify(ctx, e.ID, Attributes{"cpus": 1.0})
	if err != nil {
		t.Fatalf("Modify in created failed: %v", err)
	}
	if e.Attrs["cpus"] != 1.0 {
		t.Errorf("expected cpus 1.0, got %v", e.Attrs["cpus"])
	}

	e = f.mustAction(t, e.ID, "start")
	if e.State != "started" {
		t.Fatalf("expected state started, got %s", e.State)
	}
	if e.Attrs["pid"] != 4242.0 {
		t.Errorf("expected driver attribute pid, got %v", e.Attrs["pid"])
	}

	_, err = f.manager.Modify(ctx, e.ID, Attributes{"cpus": 2.0})
	if !IsCapability(err) {
		t.Fatalf("expected capability error modifying cpus while started, got %v", err)
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Attribute != "cpus" || ee.State != "started" || ee.ID != e.ID {
		t.Errorf("expected error to name attribute, state and id, got %+v", ee)
	}

	after, _ := f.manager.Info(e.ID)
	if after.Attrs["cpus"] != 1.0 || after.State != "started" {
		t.Errorf("rejected modify changed the element: %+v", after)
	}

	if _, err := f.manager.Modify(ctx, e.ID, Attributes{"label": "web"}); err != nil {
		t.Errorf("expected label writable while started, got %v", err)
	}
}

func TestChildTypesDependOnParentState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.mustCreate(t, "sandbox", 0, nil)
	f.mustCreate(t, "sandbox_interface", first.ID, nil)

	second := f.mustCreate(t, "sandbox", 0, nil)
	f.mustAction(t, second.ID, "start")

	_, err := f.manager.Create(ctx, CreateRequest{Type: "sandbox_interface", Parent: second.ID})
	if !IsCapability(err) {
		t.Fatalf("expected capability error under started parent, got %v", err)
	}
	info, _ := f.manager.Info(second.ID)
	if len(info.Children) != 0 {
		t.Errorf("expected no children, got %v", info.Children)
	}
}

func TestActionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.mustCreate(t, "sandbox", 0, nil)

	tests := []struct {
		name     string
		id       ID
		action   ActionName
		wantKind ErrorKind
		wantCode string
	}{
		{"undeclared action", e.ID, "explode", KindCapability, ErrCodeUnknownAction},
		{"wrong state", e.ID, "stop", KindCapability, ErrCodeNotAllowed},
		{"missing element", 999, "start", KindNotFound, ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Action(ctx, tt.id, tt.action, nil)
			if got := errorKind(err); got != tt.wantKind {
				t.Errorf("expected kind %s, got %s (%v)", tt.wantKind, got, err)
			}
			if got := errorCode(err); got != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, got)
			}
		})
	}

	if calls := f.sandbox.Calls(); len(calls) != 1 {
		t.Errorf("expected only init to reach the driver, got %v", calls)
	}
}

func TestActionDriverFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	e := f.mustCreate(t, "sandbox", 0, nil)
	f.sandbox.failOn("start", errors.New("cgroup busy"))

	_, err := f.manager.Action(context.Background(), e.ID, "start", nil)
	if !IsResource(err) {
		t.Fatalf("expected resource error, got %v", err)
	}

	info, _ := f.manager.Info(e.ID)
	if info.State != "created" {
		t.Errorf("expected state created after failure, got %s", info.State)
	}
	if _, ok := info.Attrs["pid"]; ok {
		t.Error("expected handler attribute changes to be discarded")
	}

	f.sandbox.failOn("start", nil)
	if info = f.mustAction(t, e.ID, "start"); info.State != "started" {
		t.Errorf("expected retry to succeed, got state %s", info.State)
	}
}

func TestActionWithoutTransition(t *testing.T) {
	f := newFixture(t)
	e := f.mustCreate(t, "sandbox", 0, nil)

	info := f.mustAction(t, e.ID, "ping")
	if info.State != "created" {
		t.Errorf("expected ping to keep state created, got %s", info.State)
	}
}

func TestActionTimeout(t *testing.T) {
	f := newFixture(t, func(o *ManagerOptions) { o.ActionTimeout = 20 * time.Millisecond })
	e := f.mustCreate(t, "sandbox", 0, nil)
	f.sandbox.gate = make(chan struct{})

	_, err := f.manager.Action(context.Background(), e.ID, "start", nil)
	if errorCode(err) != ErrCodeTimeout {
		t.Fatalf("expected %s, got %v", ErrCodeTimeout, err)
	}
	info, _ := f.manager.Info(e.ID)
	if info.State != "created" {
		t.Errorf("expected state created after timeout, got %s", info.State)
	}
}

func TestModifyIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.mustCreate(t, "sandbox", 0, nil)

	_, err := f.manager.Modify(ctx, e.ID, Attributes{"cpus": 2, "ram": 99999})
	if errorCode(err) != ErrCodeInvalidValue {
		t.Fatalf("expected %s, got %v", ErrCodeInvalidValue, err)
	}
	info, _ := f.manager.Info(e.ID)
	if info.Attrs["cpus"] != 0.25 {
		t.Errorf("expected cpus unchanged, got %v", info.Attrs["cpus"])
	}

	f.sandbox.failOn("apply", errors.New("cgroup write failed"))
	_, err = f.manager.Modify(ctx, e.ID, Attributes{"cpus": 2})
	if !IsResource(err) {
		t.Fatalf("expected resource error from driver, got %v", err)
	}
	info, _ = f.manager.Info(e.ID)
	if info.Attrs["cpus"] != 0.25 {
		t.Errorf("expected cpus unchanged after driver failure, got %v", info.Attrs["cpus"])
	}

	f.sandbox.failOn("apply", nil)
	info, err = f.manager.Modify(ctx, e.ID, Attributes{"cpus": 2, "ram": 512})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if info.Attrs["cpus"] != 2.0 || info.Attrs["ram"] != 512.0 {
		t.Errorf("expected both attributes written, got %v", info.Attrs)
	}
	if calls := f.sandbox.Calls(); !slices.Contains(calls, "apply 1 [cpus ram]") {
		t.Errorf("expected driver to receive the batch, got %v", calls)
	}
}

func TestInfoIsIdempotent(t *testing.T) {
	f := newFixture(t)
	e := f.mustCreate(t, "sandbox", 0, Attributes{"label": "x"})

	first, err := f.manager.Info(e.ID)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	first.Attrs["label"] = "mutated"
	first.Children = append(first.Children, 42)

	second, _ := f.manager.Info(e.ID)
	third, _ := f.manager.Info(e.ID)
	if !reflect.DeepEqual(second, third) {
		t.Errorf("expected repeated Info to be equal:\n%+v\n%+v", second, third)
	}
	if second.Attrs["label"] != "x" || len(second.Children) != 0 {
		t.Errorf("expected Info result to be a copy, got %+v", second)
	}
}

func TestListFilter(t *testing.T) {
	f := newFixture(t)
	a := f.mustCreate(t, "sandbox", 0, nil)
	f.mustCreate(t, "sandbox_interface", a.ID, nil)
	f.mustCreate(t, "plain", 0, nil)
	f.mustAction(t, a.ID, "start")

	if n := len(f.manager.List(ElementFilter{})); n != 3 {
		t.Errorf("expected 3 elements, got %d", n)
	}
	if n := len(f.manager.List(ElementFilter{State: "started"})); n != 2 {
		t.Errorf("expected the sandbox and its interface started, got %d", n)
	}
	top := ID(0)
	if n := len(f.manager.List(ElementFilter{Parent: &top})); n != 2 {
		t.Errorf("expected 2 top-level elements, got %d", n)
	}
	if n := len(f.manager.List(ElementFilter{Owner: "bob"})); n != 0 {
		t.Errorf("expected no elements for bob, got %d", n)
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.mustCreate(t, "sandbox", 0, nil)
	child := f.mustCreate(t, "sandbox_interface", parent.ID, nil)

	err := f.manager.Remove(ctx, parent.ID, false)
	if errorCode(err) != ErrCodeHasChildren {
		t.Fatalf("expected %s, got %v", ErrCodeHasChildren, err)
	}

	if _, err := f.manager.Action(ctx, child.ID, RemoveAction, nil); err != nil {
		t.Fatalf("removing child failed: %v", err)
	}
	if _, err := f.manager.Info(child.ID); !IsNotFound(err) {
		t.Errorf("expected child gone, got %v", err)
	}
	info, _ := f.manager.Info(parent.ID)
	if len(info.Children) != 0 {
		t.Errorf("expected child index updated, got %v", info.Children)
	}

	last, err := f.manager.Action(ctx, parent.ID, RemoveAction, nil)
	if err != nil {
		t.Fatalf("removing parent failed: %v", err)
	}
	if last.ID != parent.ID {
		t.Errorf("expected last view of %d, got %+v", parent.ID, last)
	}
	if f.pool.InUse() != 0 {
		t.Errorf("expected every port released, %d in use", f.pool.InUse())
	}
	if len(f.store.elements) != 0 {
		t.Errorf("expected stored records deleted, got %d", len(f.store.elements))
	}
}

func TestChildrenFollowParentState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.mustCreate(t, "sandbox", 0, nil)
	iface := f.mustCreate(t, "sandbox_interface", parent.ID, nil)

	f.mustAction(t, parent.ID, "start")
	info, _ := f.manager.Info(iface.ID)
	if info.State != "started" {
		t.Fatalf("expected interface started with its parent, got %s", info.State)
	}
	if stored := f.store.elements[iface.ID]; stored.State != "started" {
		t.Errorf("expected stored interface started, got %s", stored.State)
	}

	err := f.manager.Remove(ctx, iface.ID, false)
	if !IsCapability(err) {
		t.Fatalf("expected capability error removing interface of a started parent, got %v", err)
	}
	if _, err := f.manager.Modify(ctx, iface.ID, Attributes{"name": "eth1"}); !IsCapability(err) {
		t.Errorf("expected interface attributes locked while started, got %v", err)
	}
	if p, _ := f.manager.Info(parent.ID); !slices.Equal(p.Children, []ID{iface.ID}) {
		t.Errorf("expected interface kept, children %v", p.Children)
	}
	for _, c := range f.iface.Calls() {
		if c[:2] == "__" {
			t.Errorf("expected no driver removal, got %s", c)
		}
	}

	f.mustAction(t, parent.ID, "stop")
	if info, _ = f.manager.Info(iface.ID); info.State != "created" {
		t.Fatalf("expected interface back in created, got %s", info.State)
	}
	if err := f.manager.Remove(ctx, iface.ID, false); err != nil {
		t.Errorf("expected removal after stop, got %v", err)
	}
}

func TestFailedActionLeavesChildrenAlone(t *testing.T) {
	f := newFixture(t)
	parent := f.mustCreate(t, "sandbox", 0, nil)
	iface := f.mustCreate(t, "sandbox_interface", parent.ID, nil)
	f.sandbox.failOn("start", errors.New("no memory"))

	if _, err := f.manager.Action(context.Background(), parent.ID, "start", nil); !IsResource(err) {
		t.Fatalf("expected resource error, got %v", err)
	}
	if info, _ := f.manager.Info(iface.ID); info.State != "created" {
		t.Errorf("expected interface to stay created, got %s", info.State)
	}
}

func TestRemoveCascade(t *testing.T) {
	f := newFixture(t)
	parent := f.mustCreate(t, "sandbox", 0, nil)
	a := f.mustCreate(t, "sandbox_interface", parent.ID, nil)
	b := f.mustCreate(t, "sandbox_interface", parent.ID, nil)

	if err := f.manager.Remove(context.Background(), parent.ID, true); err != nil {
		t.Fatalf("cascading remove failed: %v", err)
	}
	if n := len(f.manager.List(ElementFilter{})); n != 0 {
		t.Errorf("expected all elements removed, %d left", n)
	}

	var removes []string
	for _, c := range append(f.iface.Calls(), f.sandbox.Calls()...) {
		if len(c) > len(RemoveAction) && c[:len(RemoveAction)] == string(RemoveAction) {
			removes = append(removes, c)
		}
	}
	want := []string{
		"__remove__ " + itoa(a.ID),
		"__remove__ " + itoa(b.ID),
		"__remove__ " + itoa(parent.ID),
	}
	if !slices.Equal(removes, want) {
		t.Errorf("expected removal order %v, got %v", want, removes)
	}
}

func TestRemoveCascadeCheckedUpFront(t *testing.T) {
	f := newFixture(t)
	parent := f.mustCreate(t, "sandbox", 0, nil)
	f.mustCreate(t, "sandbox_interface", parent.ID, nil)
	f.mustAction(t, parent.ID, "start")

	err := f.manager.Remove(context.Background(), parent.ID, true)
	if !IsCapability(err) {
		t.Fatalf("expected capability error for started root, got %v", err)
	}
	if n := len(f.manager.List(ElementFilter{})); n != 2 {
		t.Errorf("expected nothing removed, %d elements left", n)
	}
	for _, c := range f.iface.Calls() {
		if c[:2] == "__" {
			t.Errorf("expected no driver removal, got %s", c)
		}
	}
}

func TestRemoveCascadePartialFailure(t *testing.T) {
	f := newFixture(t)
	parent := f.mustCreate(t, "sandbox", 0, nil)
	a := f.mustCreate(t, "sandbox_interface", parent.ID, nil)
	b := f.mustCreate(t, "sandbox_interface", parent.ID, nil)
	f.sandbox.failOn(RemoveAction, errors.New("device busy"))

	err := f.manager.Remove(context.Background(), parent.ID, true)
	var re *RemovalError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemovalError, got %v", err)
	}
	if !slices.Equal(re.Removed, []ID{a.ID, b.ID}) {
		t.Errorf("expected removed %v, got %v", []ID{a.ID, b.ID}, re.Removed)
	}
	if !slices.Equal(re.NotRemoved, []ID{parent.ID}) || re.Failed != parent.ID {
		t.Errorf("expected parent not removed, got %+v", re)
	}
	if !IsResource(err) {
		t.Errorf("expected wrapped resource error, got %v", err)
	}

	info, err := f.manager.Info(parent.ID)
	if err != nil {
		t.Fatalf("expected parent to remain: %v", err)
	}
	if len(info.Children) != 0 {
		t.Errorf("expected removed children to stay removed, got %v", info.Children)
	}
}

func TestAttachRequiresSharedConcept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	con := f.mustConnection(t)
	plain := f.mustCreate(t, "plain", 0, nil)
	parent := f.mustCreate(t, "sandbox", 0, nil)
	iface := f.mustCreate(t, "sandbox_interface", parent.ID, nil)

	_, err := f.manager.Attach(ctx, con.ID, plain.ID)
	if errorCode(err) != ErrCodeIncompatible {
		t.Fatalf("expected %s, got %v", ErrCodeIncompatible, err)
	}

	info, err := f.manager.Attach(ctx, con.ID, iface.ID)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if !slices.Equal(info.Elements, []ID{iface.ID}) {
		t.Errorf("expected connection elements [%d], got %v", iface.ID, info.Elements)
	}
	e, _ := f.manager.Info(iface.ID)
	if e.Connection != con.ID {
		t.Errorf("expected element connection %d, got %d", con.ID, e.Connection)
	}

	if _, err := f.manager.Attach(ctx, con.ID, iface.ID); err != nil {
		t.Errorf("expected repeated attach to succeed, got %v", err)
	}
	other := f.mustConnection(t)
	if _, err := f.manager.Attach(ctx, other.ID, iface.ID); errorCode(err) != ErrCodeConnected {
		t.Errorf("expected %s attaching elsewhere, got %v", ErrCodeConnected, err)
	}
}

func TestWiringFollowsLinkStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	con := f.mustConnection(t)
	parent := f.mustCreate(t, "sandbox", 0, nil)
	iface := f.mustCreate(t, "sandbox_interface", parent.ID, nil)

	if _, err := f.manager.Attach(ctx, con.ID, iface.ID); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if f.bridge.isLinked(iface.ID) {
		t.Fatal("expected no wiring while parent is created")
	}

	f.mustAction(t, parent.ID, "start")
	if !f.bridge.isLinked(iface.ID) {
		t.Fatal("expected wiring after start")
	}
	if e, _ := f.manager.Topology().Element(iface.ID); !e.Linked {
		t.Error("expected element marked linked")
	}

	f.mustAction(t, parent.ID, "stop")
	if f.bridge.isLinked(iface.ID) {
		t.Fatal("expected wiring torn down after stop")
	}

	f.mustAction(t, parent.ID, "start")
	if _, err := f.manager.Detach(ctx, con.ID, iface.ID); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if f.bridge.isLinked(iface.ID) {
		t.Error("expected detach to unlink")
	}
	c, _ := f.manager.ConnectionInfo(con.ID)
	if len(c.Elements) != 0 {
		t.Errorf("expected no members after detach, got %v", c.Elements)
	}
}

func TestAttachToRunningElementWires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	con := f.mustConnection(t)
	parent := f.mustCreate(t, "sandbox", 0, nil)
	iface := f.mustCreate(t, "sandbox_interface", parent.ID, nil)
	f.mustAction(t, parent.ID, "start")

	f.bridge.linkErr = errors.New("no such bridge")
	if _, err := f.manager.Attach(ctx, con.ID, iface.ID); !IsResource(err) {
		t.Fatalf("expected resource error from wiring, got %v", err)
	}
	e, _ := f.manager.Info(iface.ID)
	if e.Connection != 0 {
		t.Errorf("expected failed attach undone, element on %d", e.Connection)
	}

	f.bridge.linkErr = nil
	if _, err := f.manager.Attach(ctx, con.ID, iface.ID); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if !f.bridge.isLinked(iface.ID) {
		t.Error("expected immediate wiring for a running parent")
	}
}

func TestLinkFailureDoesNotFailAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	con := f.mustConnection(t)
	parent := f.mustCreate(t, "sandbox", 0, nil)
	iface := f.mustCreate(t, "sandbox_interface", parent.ID, nil)
	if _, err := f.manager.Attach(ctx, con.ID, iface.ID); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	f.bridge.linkErr = errors.New("no such bridge")
	info := f.mustAction(t, parent.ID, "start")
	if info.State != "started" {
		t.Errorf("expected started, got %s", info.State)
	}
	if e, _ := f.manager.Topology().Element(iface.ID); e.Linked {
		t.Error("expected element not marked linked after wiring failure")
	}
}

func TestRemoveAttached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	con := f.mustConnection(t)
	parent := f.mustCreate(t, "sandbox", 0, nil)
	iface := f.mustCreate(t, "sandbox_interface", parent.ID, nil)
	if _, err := f.manager.Attach(ctx, con.ID, iface.ID); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if err := f.manager.Remove(ctx, iface.ID, false); errorCode(err) != ErrCodeConnected {
		t.Fatalf("expected %s, got %v", ErrCodeConnected, err)
	}
	if err := f.manager.RemoveConnection(ctx, con.ID); errorCode(err) != ErrCodeConnected {
		t.Fatalf("expected %s removing a connection with members, got %v", ErrCodeConnected, err)
	}

	if err := f.manager.Remove(ctx, parent.ID, true); err != nil {
		t.Fatalf("cascading remove failed: %v", err)
	}
	c, _ := f.manager.ConnectionInfo(con.ID)
	if len(c.Elements) != 0 {
		t.Errorf("expected removed element detached, got %v", c.Elements)
	}

	if err := f.manager.RemoveConnection(ctx, con.ID); err != nil {
		t.Fatalf("RemoveConnection failed: %v", err)
	}
	if _, err := f.manager.ConnectionInfo(con.ID); !IsNotFound(err) {
		t.Errorf("expected connection gone, got %v", err)
	}
}

func TestConnectionActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	con := f.mustConnection(t)

	info, err := f.manager.ConnectionAction(ctx, con.ID, "start", nil)
	if err != nil {
		t.Fatalf("ConnectionAction failed: %v", err)
	}
	if info.State != "started" {
		t.Errorf("expected started, got %s", info.State)
	}
	if _, err := f.manager.ConnectionAction(ctx, con.ID, "start", nil); !IsCapability(err) {
		t.Errorf("expected capability error, got %v", err)
	}

	info, err = f.manager.ModifyConnection(ctx, con.ID, Attributes{"delay": 5})
	if err != nil {
		t.Fatalf("ModifyConnection failed: %v", err)
	}
	if info.Attrs["delay"] != 5.0 {
		t.Errorf("expected delay 5, got %v", info.Attrs["delay"])
	}

	last, err := f.manager.ConnectionAction(ctx, con.ID, RemoveAction, nil)
	if err != nil {
		t.Fatalf("removal action failed: %v", err)
	}
	if last.ID != con.ID || len(f.manager.ListConnections()) != 0 {
		t.Errorf("expected connection removed, got %+v", f.manager.ListConnections())
	}
}

func TestAdmission(t *testing.T) {
	var seen []AdmissionRequest
	var mu sync.Mutex
	deny := false
	f := newFixture(t, func(o *ManagerOptions) {
		o.Admission = admissionFunc(func(ctx context.Context, req AdmissionRequest) ([]string, error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, req)
			if req.Operation == "explode" {
				return nil, errors.New("policy crashed")
			}
			if deny {
				return []string{"quota exceeded"}, nil
			}
			return nil, nil
		})
	})
	ctx := context.Background()

	e := f.mustCreate(t, "sandbox", 0, nil)
	if len(seen) != 1 || seen[0].Operation != "create" || seen[0].Attrs["cpus"] != 0.25 {
		t.Fatalf("expected create request with defaults, got %+v", seen)
	}

	deny = true
	_, err := f.manager.Create(ctx, CreateRequest{Type: "sandbox", Owner: "alice"})
	if errorCode(err) != ErrCodePolicyDenied {
		t.Fatalf("expected %s, got %v", ErrCodePolicyDenied, err)
	}
	var ee *EngineError
	if errors.As(err, &ee) && !reflect.DeepEqual(ee.Details["reasons"], []string{"quota exceeded"}) {
		t.Errorf("expected reasons detail, got %v", ee.Details)
	}
	if calls := f.sandbox.Calls(); len(calls) != 1 {
		t.Errorf("expected driver untouched by denied create, got %v", calls)
	}

	if _, err := f.manager.Action(ctx, e.ID, "start", nil); !IsCapability(err) {
		t.Errorf("expected denied action, got %v", err)
	}
	info, _ := f.manager.Info(e.ID)
	if info.State != "created" {
		t.Errorf("expected state unchanged by denial, got %s", info.State)
	}
}

func TestAdmissionFailureIsInternal(t *testing.T) {
	f := newFixture(t, func(o *ManagerOptions) {
		o.Admission = admissionFunc(func(ctx context.Context, req AdmissionRequest) ([]string, error) {
			return nil, errors.New("policy crashed")
		})
	})

	_, err := f.manager.Create(context.Background(), CreateRequest{Type: "plain"})
	if !IsInternal(err) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	e := f.mustCreate(t, "sandbox", 0, nil)
	f.mustAction(t, e.ID, "start")
	_, _ = f.manager.Action(context.Background(), e.ID, "start", nil)

	var ops []string
	for _, a := range f.store.audit {
		ops = append(ops, a.Op+":"+a.Result)
	}
	want := []string{"element.create:success", "element.action:success", "element.start:failed"}
	if !slices.Equal(ops, want) {
		t.Errorf("expected audit %v, got %v", want, ops)
	}
	if f.store.audit[1].From != "created" || f.store.audit[1].To != "started" {
		t.Errorf("expected transition recorded, got %+v", f.store.audit[1])
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	con := f.mustConnection(t)
	parent := f.mustCreate(t, "sandbox", 0, Attributes{"cpus": 2})
	iface := f.mustCreate(t, "sandbox_interface", parent.ID, nil)
	if _, err := f.manager.Attach(ctx, con.ID, iface.ID); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	f.mustAction(t, parent.ID, "start")

	restored := NewManager(f.manager.Registry(), ManagerOptions{Store: f.store, Pool: f.pool, Logger: zerolog.Nop()})
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	for _, id := range []ID{parent.ID, iface.ID} {
		want, _ := f.manager.Info(id)
		got, err := restored.Info(id)
		if err != nil {
			t.Fatalf("Info(%d) after restore failed: %v", id, err)
		}
		if !reflect.DeepEqual(want, got) {
			t.Errorf("restored element %d differs:\nwant %+v\ngot  %+v", id, want, got)
		}
	}
	c, err := restored.ConnectionInfo(con.ID)
	if err != nil || !slices.Equal(c.Elements, []ID{iface.ID}) {
		t.Errorf("expected restored connection with member %d, got %+v (%v)", iface.ID, c, err)
	}

	next, err := restored.Create(ctx, CreateRequest{Type: "plain"})
	if err != nil {
		t.Fatalf("Create after restore failed: %v", err)
	}
	if next.ID <= iface.ID {
		t.Errorf("expected new id above restored ids, got %d", next.ID)
	}
}

func TestConcurrentActionsSerialize(t *testing.T) {
	f := newFixture(t)
	e := f.mustCreate(t, "sandbox", 0, nil)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.manager.Action(context.Background(), e.ID, "start", nil)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !IsCapability(err):
			t.Errorf("expected capability error for losers, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("expected exactly one start to succeed, got %d", succeeded)
	}
}

func TestConcurrentChildCreation(t *testing.T) {
	f := newFixture(t)
	parent := f.mustCreate(t, "sandbox", 0, nil)
	other := f.mustCreate(t, "sandbox", 0, nil)

	const workers = 12
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := parent.ID
			if i%2 == 1 {
				target = other.ID
			}
			if _, err := f.manager.Create(context.Background(), CreateRequest{Type: "sandbox_interface", Parent: target}); err != nil {
				t.Errorf("Create failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for _, id := range []ID{parent.ID, other.ID} {
		info, _ := f.manager.Info(id)
		if len(info.Children) != workers/2 {
			t.Errorf("expected %d children under %d, got %v", workers/2, id, info.Children)
		}
	}
}

func TestRenew(t *testing.T) {
	f := newFixture(t, func(o *ManagerOptions) { o.DefaultLifetime = time.Hour })
	ctx := context.Background()
	parent := f.mustCreate(t, "sandbox", 0, nil)
	child := f.mustCreate(t, "sandbox_interface", parent.ID, nil)

	until := f.clock.Add(48 * time.Hour)
	info, err := f.manager.Renew(ctx, parent.ID, until)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if !info.Timeout.Equal(until) {
		t.Errorf("expected timeout %v, got %v", until, info.Timeout)
	}
	if _, err := f.manager.Renew(ctx, child.ID, until); !IsCapability(err) {
		t.Errorf("expected capability error renewing a child, got %v", err)
	}
}

func TestReaperDestroysExpired(t *testing.T) {
	f := newFixture(t, func(o *ManagerOptions) { o.DefaultLifetime = time.Hour })
	ctx := context.Background()
	expired := f.mustCreate(t, "sandbox", 0, nil)
	f.mustCreate(t, "sandbox_interface", expired.ID, nil)
	f.mustAction(t, expired.ID, "start")

	*f.clock = f.clock.Add(30 * time.Minute)
	fresh := f.mustCreate(t, "plain", 0, nil)

	*f.clock = f.clock.Add(45 * time.Minute)
	reaper := NewReaper(f.manager, time.Minute, f.manager.logger)
	if n := reaper.ReapOnce(ctx); n != 1 {
		t.Fatalf("expected 1 element reaped, got %d", n)
	}

	if _, err := f.manager.Info(expired.ID); !IsNotFound(err) {
		t.Errorf("expected expired element gone, got %v", err)
	}
	if _, err := f.manager.Info(fresh.ID); err != nil {
		t.Errorf("expected fresh element kept, got %v", err)
	}
	if calls := f.sandbox.Calls(); !slices.Contains(calls, "stop "+itoa(expired.ID)) {
		t.Errorf("expected element stopped before removal, got %v", calls)
	}
}

func TestDestroyConnectionDetachesMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	con := f.mustConnection(t)
	parent := f.mustCreate(t, "sandbox", 0, nil)
	iface := f.mustCreate(t, "sandbox_interface", parent.ID, nil)
	if _, err := f.manager.Attach(ctx, con.ID, iface.ID); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := f.manager.RemoveConnection(ctx, con.ID); errorCode(err) != ErrCodeConnected {
		t.Fatalf("expected %s removing an attached connection, got %v", ErrCodeConnected, err)
	}

	if err := f.manager.DestroyConnection(ctx, con.ID); err != nil {
		t.Fatalf("DestroyConnection failed: %v", err)
	}
	if _, err := f.manager.ConnectionInfo(con.ID); !IsNotFound(err) {
		t.Errorf("expected connection gone, got %v", err)
	}
	e, err := f.manager.Info(iface.ID)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if e.Connection != 0 {
		t.Errorf("expected interface detached, got connection %d", e.Connection)
	}
	if err := f.manager.DestroyConnection(ctx, con.ID); !IsNotFound(err) {
		t.Errorf("expected not found for a removed connection, got %v", err)
	}
}

func TestPathToRemovable(t *testing.T) {
	table := sandboxTable()

	if path := pathToRemovable(table, "created"); len(path) != 0 {
		t.Errorf("expected empty path from created, got %v", path)
	}
	if path := pathToRemovable(table, "started"); !slices.Equal(path, []ActionName{"stop"}) {
		t.Errorf("expected [stop], got %v", path)
	}

	table.Actions["stop"] = nil
	if path := pathToRemovable(table, "started"); path != nil {
		t.Errorf("expected no path, got %v", path)
	}
}

func itoa(id ID) string {
	return strconv.FormatInt(int64(id), 10)
}

func TestLogFieldNames(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, func(o *ManagerOptions) { o.Logger = zerolog.New(&buf) })

	parent := f.mustCreate(t, "sandbox", 0, nil)
	f.mustAction(t, parent.ID, "start")
	f.mustConnection(t)

	want := map[string][]string{
		"Element created":    {"element_id", "type", "state", "owner"},
		"Action completed":   {"element_id", "type", "state", "owner", "action"},
		"Connection created": {"connection_id", "type", "owner"},
	}
	seen := map[string]bool{}
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var entry map[string]interface{}
		if err := dec.Decode(&entry); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		msg, _ := entry["message"].(string)
		fields, ok := want[msg]
		if !ok {
			continue
		}
		seen[msg] = true
		for _, k := range fields {
			if _, ok := entry[k]; !ok {
				t.Errorf("%q: missing field %s in %v", msg, k, entry)
			}
		}
		if _, ok := entry["id"]; ok {
			t.Errorf("%q: unexpected bare id field", msg)
		}
	}
	for msg := range want {
		if !seen[msg] {
			t.Errorf("no %q log line", msg)
		}
	}
}
