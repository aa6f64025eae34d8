package main

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/spf13/cobra"

	"github.com/MettaSurendhar/Met-Image-Classy/internal/imagesrc"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/model"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/render"
)

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <file-or-url>...",
		Short: "Classify local images or image URLs and print the ranked labels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			loader := model.NewLoader(loadFunc())
			loader.Start(ctx)
			defer loader.Close()
			if err := loader.Wait(ctx); err != nil {
				return err
			}
			classifier, err := loader.Classifier()
			if err != nil {
				return err
			}

			fetcher := imagesrc.NewFetcher(cfg.FetchTimeout, cfg.MaxFetchBytes, cfg.AllowPrivateFetch)
			out := cmd.OutOrStdout()
			for _, arg := range args {
				img, err := acquire(ctx, fetcher, arg)
				if err != nil {
					return fmt.Errorf("%s: %w", arg, err)
				}
				result, err := classifier.Classify(ctx, img)
				if err != nil {
					return fmt.Errorf("%s: %w", arg, err)
				}
				if len(args) > 1 {
					fmt.Fprintf(out, "%s\n", arg)
				}
				if err := render.Text(out, result); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// acquire reads arg as a URL when it parses as one, and as a file path
// otherwise.
func acquire(ctx context.Context, fetcher *imagesrc.Fetcher, arg string) (image.Image, error) {
	if _, err := imagesrc.ValidateURL(arg); err == nil {
		img, _, err := fetcher.Probe(ctx, arg)
		return img, err
	}

	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, err
	}
	img, _, err := imagesrc.DecodeFile(imagesrc.File{Name: arg, Data: data})
	return img, err
}
