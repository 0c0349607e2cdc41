package main

import (
	"fmt"
	"sort"

	"github.com/ploinky/ploinky/pkg/manifest"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "profile [<name>|list|validate|show]",
		Short: "Get or set the active profile",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runProfile,
	})
}

func runProfile(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		fmt.Println(a.loadProfile())
		return nil
	}

	switch args[0] {
	case "list":
		names := make([]string, 0, len(manifest.ValidProfiles))
		for n := range manifest.ValidProfiles {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	case "validate":
		return runProfileValidate(a)
	case "show":
		return runProfileShow(a)
	default:
		name := args[0]
		if !manifest.ValidProfiles[name] {
			return perr.New(perr.ProfileUnknown, "unknown profile %q (valid: default, dev, qa, prod)", name)
		}
		if err := a.saveProfile(name); err != nil {
			return err
		}
		fmt.Printf("active profile set to %s\n", name)
		return nil
	}
}

// runProfileValidate checks that every enabled agent's manifest merges
// cleanly under the active profile, surfacing profile_unknown / manifest
// errors before the user hits them mid-enable.
func runProfileValidate(a *app) error {
	profileName := a.loadProfile()
	records, _, err := a.reg.Load()
	if err != nil {
		return err
	}
	failed := 0
	for _, rec := range records {
		_, _, man, err := a.resolveAgentManifest(rec.RepoName + "/" + rec.AgentName)
		if err != nil {
			fmt.Printf("%s: %v\n", rec.AgentName, err)
			failed++
			continue
		}
		if _, err := manifest.Effective(man, profileName); err != nil {
			fmt.Printf("%s: %v\n", rec.AgentName, err)
			failed++
		}
	}
	if failed > 0 {
		return perr.New(perr.ProfileUnknown, "%d agent(s) failed validation under profile %q", failed, profileName)
	}
	fmt.Printf("profile %q valid for %d agent(s)\n", profileName, len(records))
	return nil
}

// runProfileShow prints the merged effective profile for every enabled
// agent under the active profile.
func runProfileShow(a *app) error {
	profileName := a.loadProfile()
	records, _, err := a.reg.Load()
	if err != nil {
		return err
	}
	for _, rec := range records {
		_, _, man, err := a.resolveAgentManifest(rec.RepoName + "/" + rec.AgentName)
		if err != nil {
			fmt.Printf("%s: %v\n", rec.AgentName, err)
			continue
		}
		eff, err := manifest.Effective(man, profileName)
		if err != nil {
			fmt.Printf("%s: %v\n", rec.AgentName, err)
			continue
		}
		printJSON(struct {
			Agent   string                   `json:"agent"`
			Profile string                   `json:"profile"`
			Effective manifest.EffectiveProfile `json:"effective"`
		}{rec.AgentName, profileName, eff})
	}
	return nil
}
