// Command meshctl drives the admin-intent surface (pkg/adminapi) from a
// terminal or a script. It holds no state of its own: every invocation
// builds a fresh in-memory policy store, so meshctl is for one-shot
// bootstrap/scripting sessions (see "bootstrap") rather than for
// managing a long-running meshd's state across separate invocations —
// doing that would need a persistence layer or an admin RPC surface,
// both explicitly out of scope (see DESIGN.md).
package main

import (
	"fmt"
	"os"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/adminapi"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/audit"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/certs"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/cliutil"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/ipam"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	log := logrus.New()
	verbosity := logrus.WarnLevel

	store := policy.New(log)
	engine := certs.New(store, log)
	allocator := ipam.New(store, log)
	registry := audit.New(store, "mesh_client_token_", log)
	api := adminapi.New(store, engine, allocator, registry, log)

	root := &cobra.Command{
		Use:   "meshctl",
		Short: "Admin CLI for the mesh control plane's admin-intent surface",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetLevel(verbosity)
		},
	}
	root.PersistentFlags().Var(cliutil.LevelValue{Level: &verbosity}, "verbosity", "log level: trace, debug, info, warn, error")

	root.AddCommand(
		newCACommand(api),
		newPoolCommand(api),
		newGroupCommand(api),
		newClientCommand(api),
		newTokenCommand(api),
		newEnrollCommand(api),
		newAuditCommand(api),
		newBootstrapCommand(api),
	)
	return root
}

func newCACommand(api *adminapi.API) *cobra.Command {
	cmd := &cobra.Command{Use: "ca", Short: "Manage certificate authorities"}

	var validity time.Duration
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new CA (not yet the signing CA)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := api.CreateCA(args[0], validity)
			if err != nil {
				return err
			}
			fmt.Printf("created CA %s (%s), expires %s\n", ca.ID, ca.Name, humanize.Time(ca.NotAfter))
			return nil
		},
	}
	create.Flags().DurationVar(&validity, "validity", 18*30*24*time.Hour, "CA validity window")

	activate := &cobra.Command{
		Use:   "activate CA_ID",
		Short: "Make a CA the current signing CA, demoting the prior one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api.SetSigningCA(args[0]); err != nil {
				return err
			}
			fmt.Println("activated", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, activate)
	return cmd
}

func newPoolCommand(api *adminapi.API) *cobra.Command {
	cmd := &cobra.Command{Use: "pool", Short: "Manage IP pools"}

	create := &cobra.Command{
		Use:   "create CIDR [DESCRIPTION]",
		Short: "Create an IP pool",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc := ""
			if len(args) == 2 {
				desc = args[1]
			}
			p, err := api.CreatePool(args[0], desc)
			if err != nil {
				return err
			}
			fmt.Printf("created pool %s (%s)\n", p.ID, p.CIDR)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete POOL_ID",
		Short: "Delete an IP pool (fails if addresses are still assigned)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.DeletePool(args[0])
		},
	}

	cmd.AddCommand(create, del)
	return cmd
}

func newGroupCommand(api *adminapi.API) *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "Manage groups"}

	var owner string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := api.CreateGroup(args[0], owner)
			if err != nil {
				return err
			}
			fmt.Printf("created group %s (%s)\n", g.ID, g.Name)
			return nil
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "group owner")

	del := &cobra.Command{
		Use:   "delete GROUP_ID",
		Short: "Delete a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.DeleteGroup(args[0])
		},
	}

	cmd.AddCommand(create, del)
	return cmd
}

func newClientCommand(api *adminapi.API) *cobra.Command {
	cmd := &cobra.Command{Use: "client", Short: "Manage clients"}

	var (
		owner        string
		poolID       string
		ipGroupID    string
		requestedIP  string
		isLighthouse bool
		publicIP     string
		groupIDs     []string
		rulesetIDs   []string
	)
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a client with a primary IP assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := api.CreateClient(adminapi.CreateClientInput{
				Name: args[0], Owner: owner, PoolID: poolID, IPGroupID: ipGroupID,
				RequestedIP: requestedIP, IsLighthouse: isLighthouse, PublicIP: publicIP,
				GroupIDs: groupIDs, RulesetIDs: rulesetIDs,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created client %s (%s)\n", c.ID, c.Name)
			return nil
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "client owner")
	create.Flags().StringVar(&poolID, "pool", "", "IP pool id (required)")
	create.Flags().StringVar(&ipGroupID, "ip-group", "", "restrict allocation to this IP group")
	create.Flags().StringVar(&requestedIP, "ip", "", "request a specific address")
	create.Flags().BoolVar(&isLighthouse, "lighthouse", false, "mark as a lighthouse")
	create.Flags().StringVar(&publicIP, "public-ip", "", "public ip (required if --lighthouse)")
	create.Flags().StringSliceVar(&groupIDs, "groups", nil, "initial group ids")
	create.Flags().StringSliceVar(&rulesetIDs, "rulesets", nil, "initial ruleset ids")
	_ = create.MarkFlagRequired("pool")

	block := &cobra.Command{
		Use:   "block CLIENT_ID",
		Short: "Block a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blocked := true
			_, err := api.UpdateClient(args[0], adminapi.UpdateClientInput{IsBlocked: &blocked})
			return err
		},
	}
	unblock := &cobra.Command{
		Use:   "unblock CLIENT_ID",
		Short: "Unblock a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blocked := false
			_, err := api.UpdateClient(args[0], adminapi.UpdateClientInput{IsBlocked: &blocked})
			return err
		},
	}
	del := &cobra.Command{
		Use:   "delete CLIENT_ID",
		Short: "Delete a client and free its IP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.DeleteClient(args[0])
		},
	}

	var (
		altPool      string
		altIPGroup   string
		altRequested string
	)
	addAltIP := &cobra.Command{
		Use:   "add-alt-ip CLIENT_ID",
		Short: "Allocate and attach an alternate (non-primary) IP to a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := api.AddAlternateIP(args[0], altPool, altIPGroup, altRequested)
			if err != nil {
				return err
			}
			fmt.Printf("attached alternate ip %s (pool %s)\n", a.IPAddress, a.PoolID)
			return nil
		},
	}
	addAltIP.Flags().StringVar(&altPool, "pool", "", "IP pool id (required)")
	addAltIP.Flags().StringVar(&altIPGroup, "ip-group", "", "restrict allocation to this IP group")
	addAltIP.Flags().StringVar(&altRequested, "ip", "", "request a specific address")
	_ = addAltIP.MarkFlagRequired("pool")

	var removeAltPool string
	removeAltIP := &cobra.Command{
		Use:   "remove-alt-ip CLIENT_ID IP",
		Short: "Detach an alternate IP and release it back to its pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.RemoveAlternateIP(args[0], removeAltPool, args[1])
		},
	}
	removeAltIP.Flags().StringVar(&removeAltPool, "pool", "", "IP pool id (required)")
	_ = removeAltIP.MarkFlagRequired("pool")

	cmd.AddCommand(create, block, unblock, del, addAltIP, removeAltIP)
	return cmd
}

func newTokenCommand(api *adminapi.API) *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Manage distribution-endpoint tokens"}

	create := &cobra.Command{
		Use:   "create CLIENT_ID",
		Short: "Issue a bearer token for a client (secret is shown once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, secret, err := api.CreateToken(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("token %s secret=%s (store this now, it is never shown again)\n", tok.ID, secret)
			return nil
		},
	}

	reissue := &cobra.Command{
		Use:   "reissue CLIENT_ID",
		Short: "Deactivate all existing tokens and issue a new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, secret, err := api.ReissueToken(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("token %s secret=%s\n", tok.ID, secret)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "revoke TOKEN_ID",
		Short: "Deactivate a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.DeleteToken(args[0])
		},
	}

	cmd.AddCommand(create, reissue, del)
	return cmd
}

func newEnrollCommand(api *adminapi.API) *cobra.Command {
	cmd := &cobra.Command{Use: "enroll", Short: "Manage one-time enrollment codes"}

	var ttl time.Duration
	create := &cobra.Command{
		Use:   "create CLIENT_ID",
		Short: "Issue a one-time enrollment code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := api.CreateEnrollmentCode(args[0], nil, ttl)
			if err != nil {
				return err
			}
			fmt.Printf("code %s expires %s\n", code.Code, humanize.Time(code.ExpiresAt))
			return nil
		},
	}
	create.Flags().DurationVar(&ttl, "ttl", time.Hour, "how long the code stays valid")

	cmd.AddCommand(create)
	return cmd
}

func newAuditCommand(api *adminapi.API) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "List accumulated audit/leak events",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, e := range api.ListAuditEvents() {
				fmt.Printf("%s  %-10s token=%s  %s\n", e.OccurredAt.Format(time.RFC3339), e.Kind, e.TokenPrefix, humanize.Time(e.OccurredAt))
			}
			return nil
		},
	}
}
