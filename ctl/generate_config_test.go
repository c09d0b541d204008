package ctl_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/hpc-io/pdc-sub007/ctl"
	"github.com/stretchr/testify/require"
)

func TestGenerateConfigCommand_Run(t *testing.T) {
	buf := &bytes.Buffer{}
	cm := ctl.NewGenerateConfigCommand(strings.NewReader(""), buf, &bytes.Buffer{})
	require.NoError(t, cm.Run(context.Background()))
	out := buf.String()
	require.Contains(t, out, ":10101")
	require.Contains(t, out, "data-dir")
	require.Contains(t, out, "[checkpoint]")
}
