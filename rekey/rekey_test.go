package rekey

import (
	"testing"

	"github.com/briarhollow/otrwire/dhgroup"
	"github.com/briarhollow/otrwire/wire"
)

func TestTriggerAndResponseConverge(t *testing.T) {
	grp := dhgroup.Group14
	a := New(grp)
	b := New(grp)

	offerA, err := a.Trigger()
	if err != nil {
		t.Fatal(err)
	}
	if a.State() != InitSent {
		t.Fatalf("expected InitSent, got %s", a.State())
	}

	bKeys, respB, err := b.HandleOffer(offerA)
	if err != nil {
		t.Fatal(err)
	}
	if b.State() != RespSent {
		t.Fatalf("expected RespSent, got %s", b.State())
	}
	b.Complete()
	if b.State() != Idle {
		t.Fatal("expected Idle after Complete")
	}

	aKeys, err := a.HandleResponse(respB)
	if err != nil {
		t.Fatal(err)
	}
	if a.State() != Idle {
		t.Fatalf("expected Idle, got %s", a.State())
	}

	if aKeys.SymmetricKey != bKeys.SymmetricKey {
		t.Fatal("both sides must converge on the same symmetric_key")
	}
}

func TestTriggerNoopWhenNotIdle(t *testing.T) {
	grp := dhgroup.Group14
	m := New(grp)
	if _, err := m.Trigger(); err != nil {
		t.Fatal(err)
	}
	rec, err := m.Trigger()
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatal("a second trigger while INIT_SENT must be a no-op")
	}
}

func TestConcurrentInitiationPolicy(t *testing.T) {
	grp := dhgroup.Group14
	a := New(grp)
	b := New(grp)

	offerA, err := a.Trigger()
	if err != nil {
		t.Fatal(err)
	}
	offerB, err := b.Trigger()
	if err != nil {
		t.Fatal(err)
	}
	if a.State() != InitSent || b.State() != InitSent {
		t.Fatal("both sides should be INIT_SENT")
	}

	// Each receives the other's offer while INIT_SENT: treated as if
	// arriving in IDLE, overwriting pendingDH.
	aKeys, respA, err := a.HandleOffer(offerB)
	if err != nil {
		t.Fatal(err)
	}
	bKeys, respB, err := b.HandleOffer(offerA)
	if err != nil {
		t.Fatal(err)
	}
	if a.State() != RespSent || b.State() != RespSent {
		t.Fatal("both sides should now be RESP_SENT")
	}
	a.Complete()
	b.Complete()

	if aKeys.SymmetricKey == bKeys.SymmetricKey {
		t.Fatal("sanity: the two independently-derived responder keys should differ since each combined with a different freshly generated local exponent")
	}

	// The stale outstanding offers' responses, if they arrive late, no
	// longer match pendingDH (already nil) and must be rejected.
	if _, err := a.HandleResponse(respB); err == nil {
		t.Fatal("expected stale DhResponse to be rejected once pendingDH was discarded")
	}
	if _, err := b.HandleResponse(respA); err == nil {
		t.Fatal("expected stale DhResponse to be rejected once pendingDH was discarded")
	}
}

func TestHandleOfferRejectsWrongTag(t *testing.T) {
	grp := dhgroup.Group14
	m := New(grp)
	bogus := &wire.Record{Tag: wire.TagDhResponse}
	if _, _, err := m.HandleOffer(bogus); err == nil {
		t.Fatal("expected rejection of a non-DhOffer record")
	}
}

func TestHandleResponseRejectsWhenIdle(t *testing.T) {
	grp := dhgroup.Group14
	m := New(grp)
	resp := &wire.Record{Tag: wire.TagDhResponse, PublicKey: grp.Encode(grp.G)}
	if _, err := m.HandleResponse(resp); err == nil {
		t.Fatal("expected rejection of an unsolicited DhResponse")
	}
}
