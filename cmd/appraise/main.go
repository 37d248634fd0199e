package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jmarusak/appraiser/internal/api"
	"github.com/jmarusak/appraiser/internal/client"
)

func main() {
	var (
		serverURL   string
		imagePath   string
		description string
		timeout     time.Duration
	)

	flag.StringVar(&serverURL, "server", client.DefaultBaseURL, "Appraiser server URL")
	flag.StringVar(&imagePath, "image", "", "Path to the item photo")
	flag.StringVar(&description, "description", "", "Free-text description of the item")
	flag.DurationVar(&timeout, "timeout", client.DefaultTimeout, "Request timeout")
	flag.Parse()

	// Accept image path as positional argument
	if imagePath == "" && flag.NArg() > 0 {
		imagePath = flag.Arg(0)
	}

	if imagePath == "" {
		fmt.Fprintf(os.Stderr, "Usage: appraise -image <path> [-description <text>] [-server <url>]\n")
		fmt.Fprintf(os.Stderr, "       appraise [-description <text>] <path>\n")
		os.Exit(1)
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read image: %v\n", err)
		os.Exit(1)
	}

	contentType := mimetype.Detect(data).String()
	if !strings.HasPrefix(contentType, "image/") {
		fmt.Fprintf(os.Stderr, "Not an image: %s (%s)\n", imagePath, contentType)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c := client.New(client.Opts{BaseURL: serverURL, Timeout: timeout})

	upload, err := c.UploadImage(ctx, filepath.Base(imagePath), contentType, data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Upload failed: %v\n", err)
		os.Exit(1)
	}

	valuation, err := c.Appraise(ctx, &api.AppraiseRequest{
		Description: description,
		ImageData:   &upload.ImageData,
		ImageURI:    upload.ImageURI,
		ContentType: &upload.ContentType,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Appraisal failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(formatValuation(valuation, upload.ImageURI))
}
