package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCreateGroupRequiresParent(t *testing.T) {
	s := New(nil)
	_, err := s.CreateGroup("env:prod", "alice")
	require.Error(t, err)

	_, err = s.CreateGroup("env", "alice")
	require.NoError(t, err)
	_, err = s.CreateGroup("env:prod", "alice")
	require.NoError(t, err)
}

func TestDeleteGroupForbiddenWithSubgroups(t *testing.T) {
	s := New(nil)
	env, err := s.CreateGroup("env", "alice")
	require.NoError(t, err)
	_, err = s.CreateGroup("env:prod", "alice")
	require.NoError(t, err)

	err = s.DeleteGroup(env.ID)
	assert.Error(t, err, "should refuse deletion while subgroup exists")
}

func TestDeleteGroupForbiddenWhileClientReferences(t *testing.T) {
	s := New(nil)
	g, err := s.CreateGroup("env", "alice")
	require.NoError(t, err)
	c, err := s.CreateClient("node-1", "alice")
	require.NoError(t, err)
	require.NoError(t, s.SetGroups(c.ID, []string{g.ID}))

	err = s.DeleteGroup(g.ID)
	assert.Error(t, err)
}

func TestRenameGroupDirtiesReferencingClients(t *testing.T) {
	now := time.Now()
	s := New(nil)
	s.SetClock(fixedClock(now))
	g, err := s.CreateGroup("env", "alice")
	require.NoError(t, err)
	c, err := s.CreateClient("node-1", "alice")
	require.NoError(t, err)
	require.NoError(t, s.SetGroups(c.ID, []string{g.ID}))

	later := now.Add(time.Hour)
	s.SetClock(fixedClock(later))
	require.NoError(t, s.RenameGroup(g.ID, "environment"))

	got, err := s.Client(c.ID)
	require.NoError(t, err)
	assert.Equal(t, later, got.ConfigDirtyAt)
}

func TestCreateClientUniqueName(t *testing.T) {
	s := New(nil)
	_, err := s.CreateClient("node-1", "alice")
	require.NoError(t, err)
	_, err = s.CreateClient("node-1", "bob")
	assert.Error(t, err)
}

func TestLighthouseRequiresPublicIP(t *testing.T) {
	s := New(nil)
	c, err := s.CreateClient("lh-1", "alice")
	require.NoError(t, err)
	err = s.UpdateLighthouse(c.ID, true, "")
	assert.Error(t, err)

	err = s.UpdateLighthouse(c.ID, true, "203.0.113.7")
	assert.NoError(t, err)
}

func TestValidateRulesRequiresSelector(t *testing.T) {
	s := New(nil)
	_, err := s.CreateRuleset("default", "alice", []FirewallRule{{Direction: DirectionInbound, Proto: ProtoTCP, Port: "22"}})
	assert.Error(t, err)

	_, err = s.CreateRuleset("default", "alice", []FirewallRule{{
		Direction: DirectionInbound, Proto: ProtoTCP, Port: "22",
		SelectorKind: SelectorCIDR, SelectorValue: "10.0.0.0/8",
	}})
	assert.NoError(t, err)
}

func TestActivateCADemotesPreviousCurrent(t *testing.T) {
	s := New(nil)
	caA := &CA{ID: "ca-a", IsCurrent: true, CanSign: true, IncludeInChain: true}
	caB := &CA{ID: "ca-b"}
	s.PutCA(caA)
	s.PutCA(caB)

	require.NoError(t, s.ActivateCA("ca-b"))

	gotA, _ := s.CA("ca-a")
	assert.False(t, gotA.IsCurrent)
	assert.True(t, gotA.IsPrevious)
	assert.False(t, gotA.CanSign)
	assert.True(t, gotA.IncludeInChain)

	gotB, _ := s.CA("ca-b")
	assert.True(t, gotB.IsCurrent)
	assert.True(t, gotB.CanSign)
}

func TestActiveChainOrderedByID(t *testing.T) {
	s := New(nil)
	s.PutCA(&CA{ID: "ca-z", IncludeInChain: true})
	s.PutCA(&CA{ID: "ca-a", IncludeInChain: true})
	s.PutCA(&CA{ID: "ca-m", IncludeInChain: false})

	chain := s.ActiveChain()
	require.Len(t, chain, 2)
	assert.Equal(t, "ca-a", chain[0].ID)
	assert.Equal(t, "ca-z", chain[1].ID)
}

func TestPutAssignmentRejectsDuplicateIP(t *testing.T) {
	s := New(nil)
	release := s.PoolLease("pool-1")
	err := s.PutAssignment(&IPAssignment{ClientID: "c1", PoolID: "pool-1", IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	err = s.PutAssignment(&IPAssignment{ClientID: "c2", PoolID: "pool-1", IPAddress: "10.0.0.1"})
	release()
	assert.Error(t, err)
}

func TestGroupsHashStableUnderOrder(t *testing.T) {
	assert.Equal(t, GroupsHash([]string{"a", "b"}), GroupsHash([]string{"b", "a"}))
	assert.NotEqual(t, GroupsHash([]string{"a"}), GroupsHash([]string{"a", "b"}))
}
