package cmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fatherrors "github.com/calliope-ai/fathom/internal/errors"
)

func TestRootCmd_Help(t *testing.T) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "fathom")
	assert.Contains(t, out.String(), "index")
	assert.Contains(t, out.String(), "search")
}

func TestIndexCmd_RequiresDirectory(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"index"})

	assert.Error(t, cmd.Execute())
}

func TestSearchCmd_RequiresQuery(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"search"})

	assert.Error(t, cmd.Execute())
}

func TestSearchCmd_RejectsBlankQuery(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"search", "   "})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, fatherrors.ErrCodeQueryEmpty, fatherrors.GetCode(err))
}

func TestIndexCmd_RejectsNonDirectory(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"index", filepath.Join(t.TempDir(), "missing")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, fatherrors.ErrCodeInvalidInput, fatherrors.GetCode(err))
}
