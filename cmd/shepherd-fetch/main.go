// Command shepherd-fetch downloads large model files with resumable
// multi-part transfers. It runs either as an HTTP server or as a one-shot
// command line downloader.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
