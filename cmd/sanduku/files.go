package main

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Transfer and inspect files in a sandbox",
}

var filesWriteCmd = &cobra.Command{
	Use:   "write <sandbox-id> <path> <content>",
	Short: "Write a text file",
	Args:  cobra.ExactArgs(3),
	RunE:  runFilesWrite,
}

var filesReadCmd = &cobra.Command{
	Use:   "read <sandbox-id> <path>",
	Short: "Print a text file",
	Args:  cobra.ExactArgs(2),
	RunE:  runFilesRead,
}

var filesUploadCmd = &cobra.Command{
	Use:   "upload <sandbox-id> <local-path> <remote-path>",
	Short: "Upload a local file byte-exact",
	Args:  cobra.ExactArgs(3),
	RunE:  runFilesUpload,
}

var filesDownloadCmd = &cobra.Command{
	Use:   "download <sandbox-id> <remote-path> <local-path>",
	Short: "Download a sandbox file byte-exact",
	Args:  cobra.ExactArgs(3),
	RunE:  runFilesDownload,
}

var filesLsCmd = &cobra.Command{
	Use:   "ls <sandbox-id> <path>",
	Short: "List a directory",
	Args:  cobra.ExactArgs(2),
	RunE:  runFilesLs,
}

var filesMkdirCmd = &cobra.Command{
	Use:   "mkdir <sandbox-id> <path>",
	Short: "Create a directory (parents included)",
	Args:  cobra.ExactArgs(2),
	RunE:  runFilesMkdir,
}

func init() {
	filesCmd.AddCommand(filesWriteCmd, filesReadCmd, filesUploadCmd, filesDownloadCmd, filesLsCmd, filesMkdirCmd)
	registerClientFlags(filesWriteCmd, filesReadCmd, filesUploadCmd, filesDownloadCmd, filesLsCmd, filesMkdirCmd)
}

func filesPath(sandboxID, op string) string {
	return "/v1/sandboxes/" + url.PathEscape(sandboxID) + "/files" + op
}

func runFilesWrite(_ *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	return client.call(ctx, http.MethodPost, filesPath(args[0], "/write"), map[string]any{
		"path":    args[1],
		"content": args[2],
	}, nil)
}

func runFilesRead(_ *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	var out struct {
		Content string `json:"content"`
	}
	path := filesPath(args[0], "/read") + "?path=" + url.QueryEscape(args[1])
	if err := client.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	fmt.Print(out.Content)
	return nil
}

func runFilesUpload(_ *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[1], err)
	}

	err = client.call(ctx, http.MethodPost, filesPath(args[0], "/upload"), map[string]any{
		"path":           args[2],
		"content_base64": base64.StdEncoding.EncodeToString(data),
	}, nil)
	if err != nil {
		return err
	}
	fmt.Printf("uploaded %s (%d bytes) to %s\n", args[1], len(data), args[2])
	return nil
}

func runFilesDownload(_ *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	var out struct {
		ContentBase64 string `json:"content_base64"`
	}
	path := filesPath(args[0], "/download") + "?path=" + url.QueryEscape(args[1])
	if err := client.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return err
	}

	data, err := base64.StdEncoding.DecodeString(out.ContentBase64)
	if err != nil {
		return fmt.Errorf("decoding downloaded content: %w", err)
	}
	if err := os.WriteFile(args[2], data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", args[2], err)
	}
	fmt.Printf("downloaded %s (%d bytes) to %s\n", args[1], len(data), args[2])
	return nil
}

func runFilesLs(_ *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	var out struct {
		Path    string   `json:"path"`
		Entries []string `json:"entries"`
	}
	path := "/v1/sandboxes/" + url.PathEscape(args[0]) + "/files?path=" + url.QueryEscape(args[1])
	if err := client.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	for _, entry := range out.Entries {
		fmt.Println(entry)
	}
	return nil
}

func runFilesMkdir(_ *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := clientContext()
	defer cancel()

	return client.call(ctx, http.MethodPost, filesPath(args[0], "/mkdir"), map[string]any{
		"path": args[1],
	}, nil)
}
