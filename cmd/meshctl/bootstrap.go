package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/adminapi"
)

// bootstrapSpec is a declarative, single-file description of an initial
// mesh: one CA, one pool, a handful of groups/rulesets, and clients. It
// exists because meshctl's store is ephemeral per-invocation (see the
// package doc comment) — bootstrapping a whole mesh in one command is
// the one workflow that doesn't need state to survive across runs.
type bootstrapSpec struct {
	CA struct {
		Name     string        `yaml:"name"`
		Validity time.Duration `yaml:"validity"`
	} `yaml:"ca"`
	Pool struct {
		CIDR        string `yaml:"cidr"`
		Description string `yaml:"description"`
	} `yaml:"pool"`
	Groups  []string `yaml:"groups"`
	Clients []struct {
		Name         string   `yaml:"name"`
		Owner        string   `yaml:"owner"`
		IsLighthouse bool     `yaml:"is_lighthouse"`
		PublicIP     string   `yaml:"public_ip"`
		Groups       []string `yaml:"groups"`
	} `yaml:"clients"`
}

func newBootstrapCommand(api *adminapi.API) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Provision a CA, pool, groups, and clients from a YAML spec in one pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap(api, file)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the bootstrap YAML spec (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runBootstrap(api *adminapi.API, file string) error {
	raw, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var spec bootstrapSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("parsing bootstrap spec: %w", err)
	}

	ca, err := api.CreateCA(spec.CA.Name, spec.CA.Validity)
	if err != nil {
		return fmt.Errorf("creating ca: %w", err)
	}
	if err := api.SetSigningCA(ca.ID); err != nil {
		return fmt.Errorf("activating ca: %w", err)
	}
	fmt.Printf("ca %s (%s) active\n", ca.ID, ca.Name)

	pool, err := api.CreatePool(spec.Pool.CIDR, spec.Pool.Description)
	if err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}
	fmt.Printf("pool %s (%s)\n", pool.ID, pool.CIDR)

	groupIDs := map[string]string{}
	for _, name := range spec.Groups {
		g, err := api.CreateGroup(name, "")
		if err != nil {
			return fmt.Errorf("creating group %q: %w", name, err)
		}
		groupIDs[name] = g.ID
		fmt.Printf("group %s (%s)\n", g.ID, g.Name)
	}

	for _, cl := range spec.Clients {
		var ids []string
		for _, name := range cl.Groups {
			id, ok := groupIDs[name]
			if !ok {
				return fmt.Errorf("client %q references undeclared group %q", cl.Name, name)
			}
			ids = append(ids, id)
		}
		c, err := api.CreateClient(adminapi.CreateClientInput{
			Name: cl.Name, Owner: cl.Owner, PoolID: pool.ID,
			IsLighthouse: cl.IsLighthouse, PublicIP: cl.PublicIP, GroupIDs: ids,
		})
		if err != nil {
			return fmt.Errorf("creating client %q: %w", cl.Name, err)
		}
		tok, secret, err := api.CreateToken(c.ID)
		if err != nil {
			return fmt.Errorf("issuing token for %q: %w", cl.Name, err)
		}
		fmt.Printf("client %s (%s) token=%s secret=%s\n", c.ID, c.Name, tok.ID, secret)
	}

	fmt.Println("bootstrap complete")
	return nil
}
