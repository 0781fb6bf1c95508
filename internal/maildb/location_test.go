package maildb

import "testing"

func TestLocationSerializeDeserializeRoundTrip(t *testing.T) {
	loc := NewMaildirLocation("/var/mail/user/new/123.host")
	s := loc.Serialize()
	got, err := Deserialize(s)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got != loc {
		t.Fatalf("got %+v, want %+v", got, loc)
	}
}

func TestLocationSerializeInvalidUTF8RoundTrip(t *testing.T) {
	// A path containing a byte sequence that isn't valid UTF-8 (possible on
	// Linux filesystems, which allow arbitrary byte strings as filenames).
	path := "/var/mail/new/bad-\xff-name"
	loc := NewMaildirLocation(path)
	s := loc.Serialize()

	got, err := Deserialize(s)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got.Path != path {
		t.Fatalf("got %q, want %q", got.Path, path)
	}
}

func TestDeserializeMalformedLocation(t *testing.T) {
	if _, err := Deserialize("no-colon-here"); err == nil {
		t.Fatal("expected an error for a location with no scheme separator")
	}
}

func TestLocationLoadMsgRejectsUnsupportedScheme(t *testing.T) {
	loc := Location{Scheme: "S3", Path: "bucket/key"}
	if _, err := loc.LoadMsg(); err == nil {
		t.Fatal("expected an error for a non-maildir scheme")
	}
}

func TestGetSetLocation(t *testing.T) {
	db := openTestDB(t)
	muid := seedMessage(t, db, "fp1")

	if _, found, err := db.GetLocation(muid); err != nil || found {
		t.Fatalf("expected no location yet, found=%v err=%v", found, err)
	}

	loc := NewMaildirLocation("/mail/new/1")
	if err := db.SetLocation(muid, loc, true); err != nil {
		t.Fatalf("SetLocation: %v", err)
	}

	got, found, err := db.GetLocation(muid)
	if err != nil || !found {
		t.Fatalf("GetLocation: found=%v err=%v", found, err)
	}
	if got.Path != loc.Path {
		t.Fatalf("got %+v, want %+v", got, loc)
	}

	reverseMUID, found, err := db.GetMuidByLocation(loc)
	if err != nil || !found || reverseMUID != muid {
		t.Fatalf("GetMuidByLocation: muid=%v found=%v err=%v", reverseMUID, found, err)
	}
}

func TestSetLocationReplacesPrior(t *testing.T) {
	db := openTestDB(t)
	muid := seedMessage(t, db, "fp1")

	if err := db.SetLocation(muid, NewMaildirLocation("/mail/new/1"), true); err != nil {
		t.Fatalf("SetLocation 1: %v", err)
	}
	if err := db.SetLocation(muid, NewMaildirLocation("/mail/cur/1"), true); err != nil {
		t.Fatalf("SetLocation 2: %v", err)
	}

	got, found, err := db.GetLocation(muid)
	if err != nil || !found {
		t.Fatalf("GetLocation: found=%v err=%v", found, err)
	}
	if got.Path != "/mail/cur/1" {
		t.Fatalf("got %q, want the replaced path", got.Path)
	}
}
