// Stand-in for autoAr.sh used by the end-to-end tests. It accepts the same
// flags, prints staged recon output and honours SIGTERM like the real
// script's trap handler.
//
// Domains starting with "fail." exit with status 1 after the first stage.
// FAKEENGINE_STAGE_DELAY sets the pause between stages (default 200ms).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

var stages = []struct {
	name string
	skip string
}{
	{"subdomain enumeration", ""},
	{"live host probing", ""},
	{"port scanning", "skip-ports"},
	{"url collection", ""},
	{"parameter discovery", "skip-paramx"},
	{"fuzzing", "skip-fuzz"},
	{"sql injection checks", "skip-sqli"},
	{"nuclei templates", ""},
}

func main() {
	domain := flag.String("d", "", "target domain")
	webhook := flag.String("w", "", "webhook URL")
	verbose := flag.Bool("v", false, "verbose output")
	skips := map[string]*bool{}
	for _, s := range stages {
		if s.skip != "" {
			skips[s.skip] = flag.Bool(s.skip, false, "skip "+s.name)
		}
	}
	flag.Parse()

	if *domain == "" {
		fmt.Fprintln(os.Stderr, "[!] Error: domain is required (-d)")
		os.Exit(2)
	}

	delay := 200 * time.Millisecond
	if raw := os.Getenv("FAKEENGINE_STAGE_DELAY"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[!] Error: FAKEENGINE_STAGE_DELAY: %v\n", err)
			os.Exit(2)
		}
		delay = d
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	fmt.Printf("[*] Starting scan for %s\n", *domain)
	if *webhook != "" {
		fmt.Printf("[*] Results will be sent to %s\n", *webhook)
	}

	for i, s := range stages {
		if s.skip != "" && *skips[s.skip] {
			fmt.Printf("[-] Skipping %s\n", s.name)
			continue
		}
		fmt.Printf("[+] Running %s...\n", s.name)
		if *verbose {
			fmt.Fprintf(os.Stderr, "[debug] stage %d/%d for %s\n", i+1, len(stages), *domain)
		}

		select {
		case sig := <-sigs:
			fmt.Printf("[!] Received %s, cleaning up\n", sig)
			os.Exit(130)
		case <-time.After(delay):
		}

		if i == 0 && strings.HasPrefix(*domain, "fail.") {
			fmt.Fprintln(os.Stderr, "[!] Error: subfinder returned no results")
			os.Exit(1)
		}
		fmt.Printf("[+] %s finished\n", s.name)
	}
	fmt.Printf("[*] Scan completed for %s\n", *domain)
}
