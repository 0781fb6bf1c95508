package message

import (
	"strings"
	"testing"
)

func TestFromBytesHeadersAndBody(t *testing.T) {
	raw := []byte("Subject: hi\r\nFrom: a@example.com\r\n\r\nbody text")
	m, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if s := m.Subject(); s != "hi" {
		t.Fatalf("got subject %q", s)
	}
	if string(m.Body()) != "body text" {
		t.Fatalf("got body %q", m.Body())
	}
}

func TestFromBytesFoldedHeader(t *testing.T) {
	raw := []byte("Subject: hello\r\n there\r\n\r\nbody")
	m, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if s := m.Subject(); s != "hello there" {
		t.Fatalf("got subject %q", s)
	}
}

func TestGetHeaderAllPreservesDuplicates(t *testing.T) {
	raw := []byte("Received: one\r\nReceived: two\r\n\r\n")
	m, _ := FromBytes(raw)
	all := m.GetHeaderAll("Received")
	if len(all) != 2 || all[0] != "one" || all[1] != "two" {
		t.Fatalf("got %v", all)
	}
}

func TestSubjectStemStripsReplyPrefixes(t *testing.T) {
	m := &Message{}
	m.AddHeader("Subject", "Re: Fwd: Re: hello")
	if stem := m.SubjectStem(); stem != "hello" {
		t.Fatalf("got stem %q", stem)
	}
}

func TestSubjectStemNoPrefix(t *testing.T) {
	m := &Message{}
	m.AddHeader("Subject", "hello")
	if stem := m.SubjectStem(); stem != "hello" {
		t.Fatalf("got stem %q", stem)
	}
}

func TestGetMessageIDStripsBrackets(t *testing.T) {
	m := &Message{}
	m.AddHeader("Message-ID", "<abc123@example.com>")
	if id := m.GetMessageID(); id != "abc123@example.com" {
		t.Fatalf("got %q", id)
	}
}

func TestReferencedIDsDedup(t *testing.T) {
	m := &Message{}
	m.AddHeader("In-Reply-To", "<a@x>")
	m.AddHeader("References", "<a@x> <b@x> <a@x>")
	ids := m.ReferencedIDs()
	if len(ids) != 2 || ids[0] != "a@x" || ids[1] != "b@x" {
		t.Fatalf("got %v", ids)
	}
}

func TestReferencedIDsRejectsUnbracketedReferencesTokens(t *testing.T) {
	m := &Message{}
	m.AddHeader("References", "<a@x> not-an-id <b@x>")
	ids := m.ReferencedIDs()
	if len(ids) != 2 || ids[0] != "a@x" || ids[1] != "b@x" {
		t.Fatalf("got %v, want only the bracketed tokens", ids)
	}
}

func TestReferencedIDsOnlyFirstInReplyToMatch(t *testing.T) {
	m := &Message{}
	m.AddHeader("In-Reply-To", "<a@x> <b@x>")
	ids := m.ReferencedIDs()
	if len(ids) != 1 || ids[0] != "a@x" {
		t.Fatalf("got %v, want only the first In-Reply-To match", ids)
	}
}

func TestFingerprintStableForIdenticalMessages(t *testing.T) {
	raw := []byte("Subject: hi\r\nFrom: a@example.com\r\nMessage-ID: <1@x>\r\n\r\nbody")
	m1, _ := FromBytes(raw)
	m2, _ := FromBytes(append([]byte(nil), raw...))
	if m1.Fingerprint() != m2.Fingerprint() {
		t.Fatalf("fingerprints differ for identical messages")
	}
}

func TestFingerprintIgnoresCharsetLabel(t *testing.T) {
	raw1 := []byte("Subject: hi\r\nFrom: a@x\r\nMessage-ID: <1@x>\r\nContent-Type: text/plain; charset=us-ascii\r\n\r\nhello")
	raw2 := []byte("Subject: hi\r\nFrom: a@x\r\nMessage-ID: <1@x>\r\nContent-Type: text/plain; charset=iso-8859-1\r\n\r\nhello")
	m1, _ := FromBytes(raw1)
	m2, _ := FromBytes(raw2)
	if m1.Fingerprint() != m2.Fingerprint() {
		t.Fatalf("fingerprint should be charset-agnostic since it uses raw body bytes")
	}
}

func TestFingerprintDiffersOnSubject(t *testing.T) {
	m1, _ := FromBytes([]byte("Subject: hi\r\nFrom: a@x\r\n\r\nbody"))
	m2, _ := FromBytes([]byte("Subject: bye\r\nFrom: a@x\r\n\r\nbody"))
	if m1.Fingerprint() == m2.Fingerprint() {
		t.Fatalf("expected different fingerprints for different subjects")
	}
}

func TestDecodeHeaderValueEncodedWord(t *testing.T) {
	m := &Message{}
	m.AddHeader("Subject", "=?UTF-8?B?aGVsbG8=?=")
	if s := m.Subject(); s != "hello" {
		t.Fatalf("got %q", s)
	}
}

func TestRemoveHeader(t *testing.T) {
	m := &Message{}
	m.AddHeader("X-Foo", "1")
	m.AddHeader("X-Bar", "2")
	m.RemoveHeader("X-Foo")
	if _, ok := m.GetHeader("X-Foo"); ok {
		t.Fatal("X-Foo should have been removed")
	}
	if v, ok := m.GetHeader("X-Bar"); !ok || v != "2" {
		t.Fatalf("X-Bar should be untouched, got %q ok=%v", v, ok)
	}
}

func TestBytesRoundTripsAfterHeaderMutation(t *testing.T) {
	raw := []byte("Subject: hi\r\nX-Old: gone\r\n\r\nbody text")
	m, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	m.RemoveHeader("X-Old")
	m.AddHeader("X-New", "value")

	reparsed, err := FromBytes(m.Bytes())
	if err != nil {
		t.Fatalf("FromBytes(m.Bytes()): %v", err)
	}
	if _, ok := reparsed.GetHeader("X-Old"); ok {
		t.Fatal("X-Old should not survive the round trip")
	}
	if v, ok := reparsed.GetHeader("X-New"); !ok || v != "value" {
		t.Fatalf("got X-New=%q ok=%v", v, ok)
	}
	if v, _ := reparsed.GetHeader("Subject"); v != "hi" {
		t.Fatalf("got Subject=%q", v)
	}
	if string(reparsed.Body()) != "body text" {
		t.Fatalf("got body %q", reparsed.Body())
	}
}

func TestBodyIteratorMultipartAlternativePrefersHTML(t *testing.T) {
	raw := strings.Join([]string{
		"Content-Type: multipart/alternative; boundary=BOUND",
		"",
		"--BOUND",
		"Content-Type: text/plain",
		"",
		"plain version",
		"--BOUND",
		"Content-Type: text/html",
		"",
		"<p>html version</p>",
		"--BOUND--",
		"",
	}, "\r\n")
	m, err := FromBytes([]byte(raw))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	it := NewBodyIterator(m)
	part, ok := it.Next()
	if !ok {
		t.Fatal("expected a leaf part")
	}
	if part.ContentType != "text/html" {
		t.Fatalf("got %q, want text/html", part.ContentType)
	}
	if _, more := it.Next(); more {
		t.Fatal("expected only one leaf out of multipart/alternative")
	}
}

func TestAddressListParsesDisplayNames(t *testing.T) {
	addrs := AddressList(`"Jane Doe" <jane@example.com>, bob@example.com`)
	if len(addrs) != 2 {
		t.Fatalf("got %d addresses, want 2", len(addrs))
	}
	if addrs[0].Name != "Jane Doe" || addrs[0].Address != "jane@example.com" {
		t.Fatalf("got %+v", addrs[0])
	}
	if addrs[1].Address != "bob@example.com" {
		t.Fatalf("got %+v", addrs[1])
	}
}
