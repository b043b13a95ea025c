package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveBranchID_FromName(t *testing.T) {
	name := "Greeting Ideas"
	id := DeriveBranchID(&name, "0b7a9c1e-2f34-4d56-8e90-abcdef012345")
	require.True(t, strings.HasPrefix(id, "greeting-ideas-"), id)
	require.True(t, strings.HasSuffix(id, "-0b7a9c1e"), id)
}

func TestDeriveBranchID_DefaultsPrefix(t *testing.T) {
	id := DeriveBranchID(nil, "0b7a9c1e-2f34-4d56-8e90-abcdef012345")
	require.True(t, strings.HasPrefix(id, "branch-"), id)

	empty := "  !!  "
	id = DeriveBranchID(&empty, "0b7a9c1e-2f34-4d56-8e90-abcdef012345")
	require.True(t, strings.HasPrefix(id, "branch-"), id)
}

func TestDeriveBranchID_ShortMessageID(t *testing.T) {
	id := DeriveBranchID(nil, "abc")
	require.True(t, strings.HasSuffix(id, "-abc"), id)
}

func TestIsNotFound(t *testing.T) {
	require.True(t, IsNotFound(&NotFoundError{Resource: "message", ID: "x"}))
	require.False(t, IsNotFound(&ForbiddenError{}))
}
