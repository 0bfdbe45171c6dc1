package main

import (
	"fmt"
	"log/slog"
	"os"

	"shadownexus/internal/store"
)

// Version is the current server version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

// runCLI handles subcommand execution. Returns true if a subcommand was handled.
func runCLI(args []string, dataDir string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Printf("shadownexus %s\n", Version)
		return true
	case "status":
		return cliStatus(dataDir)
	case "users":
		return cliUsers(args[1:], dataDir)
	case "groups":
		return cliGroups(args[1:], dataDir)
	default:
		return false
	}
}

func openStoreForCLI(dataDir string) *store.Store {
	st, err := store.New(dataDir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening data dir: %v\n", err)
		os.Exit(1)
	}
	st.LoadAll()
	return st
}

func cliStatus(dataDir string) bool {
	st := openStoreForCLI(dataDir)
	defer st.Close()

	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Printf("Global messages: %d\n", len(st.GetGlobal(-1)))
	fmt.Printf("Groups: %d\n", len(st.AllGroupDefs("")))
	fmt.Printf("Files: %d\n", len(st.AllFiles()))
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliUsers(args []string, dataDir string) bool {
	st := openStoreForCLI(dataDir)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		users := st.AllUsers()
		if len(users) == 0 {
			fmt.Println("No known users. The directory fills in as clients connect.")
			return true
		}
		for _, u := range users {
			fmt.Printf("  %s  last_seen=%s  endpoint=%s\n", u.Username, u.LastSeen, u.Endpoint)
		}
		return true
	}
	fmt.Fprintln(os.Stderr, "Usage: shadownexus users list")
	os.Exit(1)
	return true
}

func cliGroups(args []string, dataDir string) bool {
	st := openStoreForCLI(dataDir)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		groups := st.AllGroupDefs("")
		if len(groups) == 0 {
			fmt.Println("No groups found.")
			return true
		}
		for _, g := range groups {
			fmt.Printf("  [%s] %s admin=%s members=%v\n", g.ID, g.Name, g.Admin, g.Members)
		}
		return true
	}
	fmt.Fprintln(os.Stderr, "Usage: shadownexus groups list")
	os.Exit(1)
	return true
}
