// dcmeta dumps the header of DICOM files: file meta, transfer syntax, and
// every element ahead of pixel data. Useful for checking what a received
// or anonymized instance actually carries.
package main

import (
	"fmt"
	"os"

	"github.com/radgate/radgate/internal/dicom"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: dcmeta <file.dcm> [...]")
		os.Exit(1)
	}

	exit := 0
	for _, path := range os.Args[1:] {
		if err := dump(path); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			exit = 1
		}
	}
	os.Exit(exit)
}

func dump(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	parsed, err := dicom.ParseHeader(f)
	if err != nil {
		return err
	}

	fmt.Printf("=== %s ===\n", path)
	fmt.Printf("transfer syntax: %s\n", parsed.TransferSyntax)
	if parsed.PixelDataOffset >= 0 {
		fmt.Printf("pixel data at offset %d\n", parsed.PixelDataOffset)
	} else {
		fmt.Println("no pixel data element")
	}

	fmt.Println("-- file meta --")
	printDataset(parsed.Meta)
	fmt.Println("-- dataset --")
	printDataset(parsed.Dataset)
	fmt.Println()
	return nil
}

func printDataset(ds *dicom.Dataset) {
	for _, a := range ds.Attributes() {
		keyword := dicom.Keyword(a.Tag)
		if keyword == "" {
			keyword = "?"
		}
		value := a.StringValue()
		if len(value) > 64 {
			value = value[:61] + "..."
		}
		fmt.Printf("  %s %-2s %-28s %q (%d bytes)\n",
			a.Tag, a.VR, keyword, value, len(a.Value))
	}
}
