package rsync_test

import (
	"testing"

	"github.com/CZERTAINLY/rsyncjob/internal/rsync"

	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	t.Parallel()
	type then struct {
		version string
		err     bool
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{"rsync 3.2.7", "rsync  version 3.2.7  protocol version 31\nCopyright (C) 1996-2022", then{"3.2.7", false}},
		{"openrsync style", "openrsync: protocol version 29\nrsync version 2.6.9 compatible", then{"2.6.9", false}},
		{"v prefix", "rsync version v3.4.1 protocol version 32", then{"3.4.1", false}},
		{"two components", "rsync version 3.1 protocol version 31", then{"3.1.0", false}},
		{"garbage", "command not found", then{"", true}},
		{"empty", "", then{"", true}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			v, err := rsync.ParseVersion(tc.given)
			if tc.then.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.version, v.String())
		})
	}
}

func TestCheckVersion(t *testing.T) {
	_ = fake(t, "version")
	// CheckVersion runs the binary with the environment of the test
	t.Setenv("FAKE_RSYNC", "version")

	require.NoError(t, rsync.CheckVersion(t.Context(), fakeRsync, rsync.ProgressConstraint))

	err := rsync.CheckVersion(t.Context(), fakeRsync, ">= 4.0.0")
	require.ErrorIs(t, err, rsync.ErrUnsupportedVersion)

	err = rsync.CheckVersion(t.Context(), fakeRsync, "not a constraint")
	require.Error(t, err)

	err = rsync.CheckVersion(t.Context(), "does not exist", rsync.ProgressConstraint)
	require.Error(t, err)
}
