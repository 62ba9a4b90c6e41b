package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand_OptionalGroups(t *testing.T) {
	p := DMTCP()

	argv, err := Expand(p.Coordinator, Vars{PortFile: "/tmp/port"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dmtcp_coordinator", "--daemon", "--exit-on-last", "-p", "0", "--port-file", "/tmp/port"}, argv)

	argv, err = Expand(p.Coordinator, Vars{PortFile: "/tmp/port", Interval: 90 * time.Second, CkptDir: "/ckpt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dmtcp_coordinator", "--daemon", "--exit-on-last", "-p", "0", "--port-file", "/tmp/port", "-i", "90", "--ckptdir", "/ckpt"}, argv)
}

func TestExpand_CommandSplice(t *testing.T) {
	argv, err := Expand(DMTCP().Launch, Vars{Host: "node01", Port: 7779, Command: []string{"./solver", "--steps", "10"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"dmtcp_launch", "--join-coordinator", "-h", "node01", "-p", "7779", "./solver", "--steps", "10"}, argv)
}

func TestExpand_MissingRequiredValue(t *testing.T) {
	_, err := Expand(DMTCP().List, Vars{Host: "node01"})
	assert.Error(t, err)

	_, err = Expand([]string{"x", "{nope}"}, Vars{})
	assert.ErrorContains(t, err, "unknown template placeholder")

	_, err = Expand(nil, Vars{})
	assert.ErrorIs(t, err, ErrEmptyTemplate)
}

func TestExpandStep(t *testing.T) {
	p, ok := Builtin("dmtcp-srun")
	require.True(t, ok)

	argv, err := p.ExpandStep(Vars{Host: "h", Port: 1, Slot: "node07", Command: []string{"app"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"srun", "--nodes=1", "--ntasks=1", "--nodelist=node07", "dmtcp_launch", "--join-coordinator", "-h", "h", "-p", "1", "app"}, argv)

	argv, err = p.ExpandStep(Vars{Host: "h", Port: 1, Command: []string{"app"}})
	require.NoError(t, err)
	assert.Equal(t, "dmtcp_launch", argv[0])
}

func TestProfile_ValidateAndMerge(t *testing.T) {
	require.NoError(t, DMTCP().Validate())

	p := DMTCP().Merge(Profile{List: []string{"fake", "{port}"}, OutputFormat: FormatJSON})
	assert.Equal(t, []string{"fake", "{port}"}, p.List)
	assert.Equal(t, FormatJSON, p.OutputFormat)
	require.NoError(t, p.Validate())

	bad := DMTCP()
	bad.Coordinator = []string{"coord"}
	assert.Error(t, bad.Validate())

	bad = DMTCP()
	bad.OutputFormat = "xml"
	assert.Error(t, bad.Validate())

	_, ok := Builtin("nope")
	assert.False(t, ok)
}

func TestProfile_Binaries(t *testing.T) {
	assert.Equal(t, []string{"dmtcp_coordinator", "dmtcp_command", "dmtcp_launch"}, DMTCP().Binaries())
}

func TestLineParser(t *testing.T) {
	out := []byte(`Client List:
#, PROG[virtPID:realPID]@HOST, DMTCP-UNIQUEPID, STATE
1, solver[40000:5121]@node01, 6a1f0b1c-5121-66a0b2e1, RUNNING
2, solver[41000:5122]@node02, 6a1f0b1c-5122-66a0b2e1, RUNNING
Coordinator status: ok
`)
	members, err := LineParser{}.ParseMembers(out)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, Member{ID: "1", Name: "solver", Host: "node01", State: "RUNNING"}, members[0])
	assert.Equal(t, "node02", members[1].Host)

	members, err = LineParser{}.ParseMembers([]byte("Client List:\n#, PROG, UNIQUEPID, STATE\n"))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestJSONParser(t *testing.T) {
	members, err := JSONParser{}.ParseMembers([]byte(`{"members":[{"id":"1","host":"a"},{"id":""},{"id":"2"}]}`))
	require.NoError(t, err)
	assert.Len(t, members, 2)

	members, err = JSONParser{}.ParseMembers([]byte(`[{"id":"7"}]`))
	require.NoError(t, err)
	assert.Equal(t, "7", members[0].ID)

	members, err = JSONParser{}.ParseMembers(nil)
	require.NoError(t, err)
	assert.Empty(t, members)

	_, err = JSONParser{}.ParseMembers([]byte(`{`))
	assert.Error(t, err)
}

func TestParserFor(t *testing.T) {
	p, err := ParserFor("")
	require.NoError(t, err)
	assert.IsType(t, LineParser{}, p)

	p, err = ParserFor("JSON")
	require.NoError(t, err)
	assert.IsType(t, JSONParser{}, p)
}
