package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func saveCmd(args []string) {
	fs := flag.NewFlagSet("save", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "controller base url")
	_ = fs.Parse(args)
	adminRequest(http.MethodPost, *baseURL, "/admin/v1/save", 10*time.Second)
}

func transfersCmd(args []string) {
	fs := flag.NewFlagSet("transfers", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "controller base url")
	_ = fs.Parse(args)
	adminRequest(http.MethodGet, *baseURL, "/admin/v1/transfers", 5*time.Second)
}

// methodCmd switches the running controller's division method:
// admin method [-url URL] simple|dole|neural_dole
func methodCmd(args []string) {
	fs := flag.NewFlagSet("method", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "controller base url")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin method [-url URL] simple|dole|neural_dole")
		os.Exit(2)
	}
	path := "/admin/v1/division_method?method=" + url.QueryEscape(fs.Arg(0))
	adminRequest(http.MethodPost, *baseURL, path, 5*time.Second)
}

func adminRequest(method, baseURL, path string, timeout time.Duration) {
	target := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(2)
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
