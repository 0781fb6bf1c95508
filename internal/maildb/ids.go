package maildb

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// MUID is an opaque message identifier, scoped to one database by a random
// prefix. MUID values from two different databases are never equal even if
// their sequence numbers coincide, so a MUID accidentally copied between
// databases fails loudly (BadMUIDError) rather than resolving to the wrong
// message.
type MUID string

// TUID is the thread analogue of MUID.
type TUID string

// String returns the MUID as a plain string, for use as a map key or SQL
// parameter.
func (m MUID) String() string { return string(m) }

// String returns the TUID as a plain string.
func (t TUID) String() string { return string(t) }

func newPrefix() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// resolveMUID validates that value carries this database's MUID prefix and
// returns it as a MUID. It exists mainly so a MUID string read back from an
// untrusted source (a label export, a manual query) is checked before use.
func (db *DB) resolveMUID(value string) (MUID, error) {
	if !strings.HasPrefix(value, db.prefix+"-m") {
		return "", newBadMUIDError(value, fmt.Errorf("missing prefix %q", db.prefix))
	}
	return MUID(value), nil
}

func (db *DB) resolveTUID(value string) (TUID, error) {
	if !strings.HasPrefix(value, db.prefix+"-t") {
		return "", newBadTUIDError(value, fmt.Errorf("missing prefix %q", db.prefix))
	}
	return TUID(value), nil
}

func (db *DB) allocateMUID() MUID {
	db.muidSeq++
	return MUID(fmt.Sprintf("%s-m%d", db.prefix, db.muidSeq))
}

func (db *DB) allocateTUID() TUID {
	db.tuidSeq++
	return TUID(fmt.Sprintf("%s-t%d", db.prefix, db.tuidSeq))
}
