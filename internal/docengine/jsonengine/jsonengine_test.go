package jsonengine

import (
	"encoding/json"
	"testing"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
)

func TestSetAndDiffSinceConverge(t *testing.T) {
	var replicaA = Engine{}.New().(*Document)
	var replicaB = Engine{}.New().(*Document)

	var upd, err = replicaA.Set("title", []byte(`"hello"`), 1)
	require.NoError(t, err)
	require.NoError(t, replicaB.ApplyUpdate(upd))

	svB, err := replicaB.StateVector()
	require.NoError(t, err)

	_, err = replicaA.Set("body", []byte(`"world"`), 2)
	require.NoError(t, err)

	diff, err := replicaA.DiffSince(svB)
	require.NoError(t, err)
	require.NoError(t, replicaB.ApplyUpdate(diff))

	encA, err := replicaA.Encode()
	require.NoError(t, err)
	encB, err := replicaB.Encode()
	require.NoError(t, err)

	// Map key ordering in encoded JSON isn't guaranteed to match between
	// two independently-built documents, so compare structurally rather
	// than byte-for-byte.
	var opts = jsondiff.DefaultJSONOptions()
	var diffType, _ = jsondiff.Compare(encA, encB, &opts)
	require.Equal(t, jsondiff.FullMatch, diffType, "converged replicas must encode identically")
}

func TestApplyMergePatchUpdatesOnlyChangedFields(t *testing.T) {
	var doc = Engine{}.New().(*Document)

	_, err := doc.Set("title", []byte(`"draft"`), 1)
	require.NoError(t, err)
	_, err = doc.Set("status", []byte(`"open"`), 1)
	require.NoError(t, err)

	upd, err := doc.ApplyMergePatch([]byte(`{"title":"final"}`), 2)
	require.NoError(t, err)

	var changed map[string]field
	require.NoError(t, json.Unmarshal(upd, &changed))
	require.Len(t, changed, 1)
	require.Contains(t, changed, "title")

	require.Equal(t, `"final"`, string(doc.fields["title"].Value))
	require.Equal(t, `"open"`, string(doc.fields["status"].Value))
}

func TestApplyMergePatchRejectsMalformedPatch(t *testing.T) {
	var doc = Engine{}.New().(*Document)
	var _, err = doc.ApplyMergePatch([]byte(`not json`), 1)
	require.Error(t, err)
}
