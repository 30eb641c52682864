package main

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	"teddybox/internal/container"
	"teddybox/internal/content"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Print the header and health of an asset container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		report := container.Classify(args[0])

		if id, err := content.ParsePath(args[0]); err == nil {
			fmt.Fprintf(out, "identity:    %s\n", id)
		}
		fmt.Fprintf(out, "health:      %s\n", report.Health)
		fmt.Fprintf(out, "size:        %d\n", report.Size)
		if h := report.Header; h != nil {
			fmt.Fprintf(out, "audio id:    %d\n", h.AudioID)
			fmt.Fprintf(out, "total bytes: %d\n", h.TotalBytes)
			fmt.Fprintf(out, "frames:      %d\n", h.FrameCount())
			fmt.Fprintf(out, "data hash:   %X\n", h.DataHash)
			for c := 0; c < h.ChapterCount(); c++ {
				fmt.Fprintf(out, "chapter %2d:  frame %d\n", c, h.ChapterStart(c))
			}
		}
		if report.Err != nil {
			fmt.Fprintf(out, "error:       %v\n", report.Err)
		}
		return nil
	},
}

var pathRoot string

var pathCmd = &cobra.Command{
	Use:   "path <uid>",
	Short: "Print the local path and remote location of a tag identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := content.ParseIdentity(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if pathRoot == "" {
			fmt.Fprintln(out, id.RelPath())
		} else {
			fmt.Fprintln(out, id.Path(pathRoot))
		}
		fmt.Fprintln(out, id.Location())
		return nil
	},
}

var (
	packAudioID  uint32
	packChapters []uint
)

var packCmd = &cobra.Command{
	Use:   "pack <payload> <output>",
	Short: "Wrap a payload file into an asset container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}

		sum := sha1.Sum(payload)
		h := &container.Header{
			DataHash: sum[:],
			AudioID:  packAudioID,
		}
		for _, c := range packChapters {
			h.ChapterFrames = append(h.ChapterFrames, uint32(c))
		}

		if err := os.MkdirAll(filepath.Dir(args[1]), 0755); err != nil {
			return err
		}
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		if err := container.Write(f, h, payload); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d payload bytes, %d frames\n", args[1], len(payload), h.FrameCount())
		return nil
	},
}

func init() {
	pathCmd.Flags().StringVar(&pathRoot, "root", "", "content root to prefix")
	packCmd.Flags().Uint32Var(&packAudioID, "audio-id", 0, "audio id stored in the header")
	packCmd.Flags().UintSliceVar(&packChapters, "chapter", []uint{0}, "payload-relative chapter start frames")

	rootCmd.AddCommand(inspectCmd, pathCmd, packCmd)
}
