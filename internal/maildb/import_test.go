package maildb

import (
	"strings"
	"testing"

	"github.com/eslider/mailkit/internal/message"
)

func mustMsg(t *testing.T, raw string) *message.Message {
	t.Helper()
	m, err := message.FromBytes([]byte(strings.ReplaceAll(raw, "\n", "\r\n")))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	return m
}

func TestImportMsgDedupsByFingerprint(t *testing.T) {
	db := openTestDB(t)
	raw := "Subject: hi\nFrom: a@x\nMessage-ID: <1@x>\nDate: Mon, 1 Jan 2024 00:00:00 +0000\n\nbody"

	m1 := mustMsg(t, raw)
	muid1, _, err := db.ImportMsg(m1, NewMaildirLocation("/mail/new/1"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg 1: %v", err)
	}

	m2 := mustMsg(t, raw)
	muid2, _, err := db.ImportMsg(m2, NewMaildirLocation("/mail/new/2"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg 2: %v", err)
	}

	if muid1 != muid2 {
		t.Fatalf("expected identical fingerprint to dedup to same MUID, got %q and %q", muid1, muid2)
	}

	loc, found, err := db.GetLocation(muid2)
	if err != nil || !found {
		t.Fatalf("GetLocation: found=%v err=%v", found, err)
	}
	if loc.Path != "/mail/new/2" {
		t.Fatalf("expected location updated to the second import's path, got %q", loc.Path)
	}
}

func TestImportMsgDupCheckFalseAlwaysAllocatesNewMUID(t *testing.T) {
	db := openTestDB(t)
	raw := "Subject: hi\nFrom: a@x\nMessage-ID: <1@x>\nDate: Mon, 1 Jan 2024 00:00:00 +0000\n\nbody"

	m1 := mustMsg(t, raw)
	muid1, _, err := db.ImportMsg(m1, NewMaildirLocation("/mail/new/1"), false, false, true)
	if err != nil {
		t.Fatalf("ImportMsg 1: %v", err)
	}

	m2 := mustMsg(t, raw)
	muid2, _, err := db.ImportMsg(m2, NewMaildirLocation("/mail/new/2"), false, false, true)
	if err != nil {
		t.Fatalf("ImportMsg 2: %v", err)
	}

	if muid1 == muid2 {
		t.Fatal("expected dupCheck=false to bypass fingerprint dedup and allocate a distinct MUID")
	}
}

func TestImportMsgUpdateHeaderStampsMUIDAndTUID(t *testing.T) {
	db := openTestDB(t)
	m := mustMsg(t, "Subject: hi\nFrom: a@x\nMessage-ID: <1@x>\n\nbody")

	muid, tuid, err := db.ImportMsg(m, NewMaildirLocation("/mail/new/1"), true, true, true)
	if err != nil {
		t.Fatalf("ImportMsg: %v", err)
	}

	gotMUID, ok := m.GetHeader(trustedMUIDHeader)
	if !ok || gotMUID != string(muid) {
		t.Fatalf("got %s=%q ok=%v, want %q", trustedMUIDHeader, gotMUID, ok, muid)
	}
	gotTUID, ok := m.GetHeader(trustedTUIDHeader)
	if !ok || gotTUID != string(tuid) {
		t.Fatalf("got %s=%q ok=%v, want %q", trustedTUIDHeader, gotTUID, ok, tuid)
	}
}

func TestImportMsgUpdateHeaderFalseLeavesHeadersAlone(t *testing.T) {
	db := openTestDB(t)
	m := mustMsg(t, "Subject: hi\nFrom: a@x\nMessage-ID: <1@x>\n\nbody")

	if _, _, err := db.ImportMsg(m, NewMaildirLocation("/mail/new/1"), false, true, true); err != nil {
		t.Fatalf("ImportMsg: %v", err)
	}
	if _, ok := m.GetHeader(trustedMUIDHeader); ok {
		t.Fatal("updateHeader=false should not add X-AMT-MUID")
	}
}

func TestImportMsgDistinctFingerprintsGetDistinctMUIDs(t *testing.T) {
	db := openTestDB(t)
	m1 := mustMsg(t, "Subject: one\nFrom: a@x\nMessage-ID: <1@x>\n\nbody1")
	m2 := mustMsg(t, "Subject: two\nFrom: a@x\nMessage-ID: <2@x>\n\nbody2")

	muid1, _, err := db.ImportMsg(m1, NewMaildirLocation("/mail/new/1"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg 1: %v", err)
	}
	muid2, _, err := db.ImportMsg(m2, NewMaildirLocation("/mail/new/2"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg 2: %v", err)
	}
	if muid1 == muid2 {
		t.Fatal("expected distinct MUIDs for distinct messages")
	}
}

func TestImportMsgThreadsByReferenceOutOfOrder(t *testing.T) {
	db := openTestDB(t)

	// The reply is imported before the message it replies to, so thread
	// resolution must find it via the reverse msg_references lookup.
	reply := mustMsg(t, "Subject: Re: hello\nFrom: b@x\nMessage-ID: <2@x>\nIn-Reply-To: <1@x>\nReferences: <1@x>\n\nreply body")
	_, replyTUID, err := db.ImportMsg(reply, NewMaildirLocation("/mail/new/2"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg reply: %v", err)
	}

	original := mustMsg(t, "Subject: hello\nFrom: a@x\nMessage-ID: <1@x>\n\noriginal body")
	_, originalTUID, err := db.ImportMsg(original, NewMaildirLocation("/mail/new/1"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg original: %v", err)
	}

	if replyTUID != originalTUID {
		t.Fatalf("expected reply and original to share a thread, got %q and %q", replyTUID, originalTUID)
	}
}

func TestImportMsgThreadsBySubjectStemWithinWindow(t *testing.T) {
	db := openTestDB(t)

	m1 := mustMsg(t, "Subject: quarterly report\nFrom: a@x\nMessage-ID: <1@x>\nDate: Mon, 1 Jan 2024 00:00:00 +0000\n\nbody1")
	_, tuid1, err := db.ImportMsg(m1, NewMaildirLocation("/mail/new/1"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg 1: %v", err)
	}

	m2 := mustMsg(t, "Subject: Re: quarterly report\nFrom: b@x\nMessage-ID: <2@x>\nDate: Wed, 3 Jan 2024 00:00:00 +0000\n\nbody2")
	_, tuid2, err := db.ImportMsg(m2, NewMaildirLocation("/mail/new/2"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg 2: %v", err)
	}

	if tuid1 != tuid2 {
		t.Fatalf("expected subject-stem match within the window to share a thread, got %q and %q", tuid1, tuid2)
	}
}

func TestImportMsgSubjectStemOutsideWindowGetsNewThread(t *testing.T) {
	db := openTestDB(t)

	m1 := mustMsg(t, "Subject: quarterly report\nFrom: a@x\nMessage-ID: <1@x>\nDate: Mon, 1 Jan 2024 00:00:00 +0000\n\nbody1")
	_, tuid1, err := db.ImportMsg(m1, NewMaildirLocation("/mail/new/1"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg 1: %v", err)
	}

	m2 := mustMsg(t, "Subject: Re: quarterly report\nFrom: b@x\nMessage-ID: <2@x>\nDate: Wed, 1 May 2024 00:00:00 +0000\n\nbody2")
	_, tuid2, err := db.ImportMsg(m2, NewMaildirLocation("/mail/new/2"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg 2: %v", err)
	}

	if tuid1 == tuid2 {
		t.Fatal("expected messages four months apart to land in different threads")
	}
}

func TestImportMsgTrustedHeaderMUIDHonoredWhenFingerprintMatches(t *testing.T) {
	db := openTestDB(t)
	raw := "Subject: hi\nFrom: a@x\nMessage-ID: <1@x>\n\nbody"
	m1 := mustMsg(t, raw)
	muid, _, err := db.ImportMsg(m1, NewMaildirLocation("/mail/new/1"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg 1: %v", err)
	}

	m2 := mustMsg(t, raw)
	m2.AddHeader(trustedMUIDHeader, string(muid))
	muid2, _, err := db.ImportMsg(m2, NewMaildirLocation("/mail/new/2"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg 2: %v", err)
	}
	if muid2 != muid {
		t.Fatalf("got %q, want trusted MUID %q", muid2, muid)
	}
}

func TestImportMsgTrustedHeaderMUIDIgnoredWhenFingerprintMismatches(t *testing.T) {
	db := openTestDB(t)
	m1 := mustMsg(t, "Subject: hi\nFrom: a@x\nMessage-ID: <1@x>\n\nbody")
	muid, _, err := db.ImportMsg(m1, NewMaildirLocation("/mail/new/1"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg 1: %v", err)
	}

	// Different content, but forged to claim the first message's MUID.
	m2 := mustMsg(t, "Subject: different\nFrom: z@x\nMessage-ID: <9@x>\n\nother body")
	m2.AddHeader(trustedMUIDHeader, string(muid))
	muid2, _, err := db.ImportMsg(m2, NewMaildirLocation("/mail/new/2"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg 2: %v", err)
	}
	if muid2 == muid {
		t.Fatal("expected a fingerprint mismatch to reject the forged trusted MUID header")
	}
}

func TestImportMsgTrustedHeaderOnMissingRowHonorsMUIDAndReusesCarriedTUID(t *testing.T) {
	db := openTestDB(t)

	// Simulates re-importing into a freshly rebuilt database: the message
	// already carries X-AMT-MUID/X-AMT-TUID from before the rebuild, but
	// neither row exists in this database yet.
	muid, err := db.resolveMUID(db.prefix + "-m999")
	if err != nil {
		t.Fatalf("resolveMUID: %v", err)
	}
	tuid, err := db.resolveTUID(db.prefix + "-t999")
	if err != nil {
		t.Fatalf("resolveTUID: %v", err)
	}
	// Seed the thread row with the same subject stem the carried TUID
	// would have had, so the carried TUID passes the subject-match check.
	if _, err := db.sql.Exec(`INSERT INTO threads (tuid, subject_stem) VALUES (?, ?)`, string(tuid), "hello"); err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	m := mustMsg(t, "Subject: hello\nFrom: a@x\nMessage-ID: <1@x>\n\nbody")
	m.AddHeader(trustedMUIDHeader, string(muid))
	m.AddHeader(trustedTUIDHeader, string(tuid))

	gotMUID, gotTUID, err := db.ImportMsg(m, NewMaildirLocation("/mail/new/1"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg: %v", err)
	}
	if gotMUID != muid {
		t.Fatalf("got MUID %q, want the carried %q honored despite the missing row", gotMUID, muid)
	}
	if gotTUID != tuid {
		t.Fatalf("got TUID %q, want the carried %q reused since its subject stem matched", gotTUID, tuid)
	}
}

func TestImportMsgTrustedHeaderOnMissingRowMergesWhenCarriedTUIDDisagrees(t *testing.T) {
	db := openTestDB(t)

	// An existing thread a later reply will actually belong to, found by
	// reference rather than by the (stale) carried TUID.
	originalMUID, realTUID, err := db.ImportMsg(
		mustMsg(t, "Subject: hello\nFrom: a@x\nMessage-ID: <1@x>\n\noriginal"),
		NewMaildirLocation("/mail/new/1"), false, true, true,
	)
	if err != nil {
		t.Fatalf("ImportMsg original: %v", err)
	}
	_ = originalMUID

	muid, err := db.resolveMUID(db.prefix + "-m999")
	if err != nil {
		t.Fatalf("resolveMUID: %v", err)
	}
	staleTUID, err := db.resolveTUID(db.prefix + "-t999")
	if err != nil {
		t.Fatalf("resolveTUID: %v", err)
	}
	// staleTUID has no thread row at all, so the carried-TUID reuse check
	// fails and a normal search must run, finding realTUID via the
	// In-Reply-To reference instead.
	m := mustMsg(t, "Subject: Re: hello\nFrom: b@x\nMessage-ID: <2@x>\nIn-Reply-To: <1@x>\n\nreply")
	m.AddHeader(trustedMUIDHeader, string(muid))
	m.AddHeader(trustedTUIDHeader, string(staleTUID))

	gotMUID, gotTUID, err := db.ImportMsg(m, NewMaildirLocation("/mail/new/2"), false, true, true)
	if err != nil {
		t.Fatalf("ImportMsg: %v", err)
	}
	if gotMUID != muid {
		t.Fatalf("got MUID %q, want the carried %q honored", gotMUID, muid)
	}
	if gotTUID != realTUID {
		t.Fatalf("got TUID %q, want the search result %q", gotTUID, realTUID)
	}

	resolved, err := db.ResolveThread(staleTUID)
	if err != nil {
		t.Fatalf("ResolveThread(staleTUID): %v", err)
	}
	if resolved != realTUID {
		t.Fatalf("expected the stale carried TUID to forward to %q via merged_threads, got %q", realTUID, resolved)
	}
}
