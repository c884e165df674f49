package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/agrisubsidy/harvest-cli/internal/config"
	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/pipeline"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract structured fields from one document",
	Long:  "Extracts a document given by --file (URL or path), --text, or the id of a harvested page. The attempt is recorded and the response printed as JSON.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req, err := extractRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initService(ctx, config.ScopeExtract)
		if err != nil {
			return err
		}
		defer env.Close()

		resp, err := env.Service.Extract(ctx, req)
		if err != nil {
			return eris.Wrap(err, "extract")
		}
		if err := writeJSON(os.Stdout, resp); err != nil {
			return err
		}
		if !resp.Success {
			return eris.Errorf("extract: %s", resp.Error)
		}
		return nil
	},
}

func extractRequestFromFlags(cmd *cobra.Command) (pipeline.ExtractRequest, error) {
	doc, _ := cmd.Flags().GetString("document")
	file, _ := cmd.Flags().GetString("file")
	name, _ := cmd.Flags().GetString("name")
	docType, _ := cmd.Flags().GetString("type")
	hybrid, _ := cmd.Flags().GetBool("hybrid")
	textFile, _ := cmd.Flags().GetString("text")

	req := pipeline.ExtractRequest{
		DocumentID:   doc,
		FileURL:      file,
		FileName:     name,
		DocumentType: docType,
	}
	if cmd.Flags().Changed("hybrid") {
		req.UseHybridMode = &hybrid
	}
	if textFile != "" {
		data, err := os.ReadFile(textFile)
		if err != nil {
			return req, eris.Wrapf(err, "read text file %s", textFile)
		}
		req.Text = string(data)
	}
	return req, req.Validate()
}

var extractPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Extract every harvested page still waiting for extraction",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initService(ctx, config.ScopeExtract)
		if err != nil {
			return err
		}
		defer env.Close()

		site, _ := cmd.Flags().GetString("site")
		limit, _ := cmd.Flags().GetInt("limit")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		res, err := env.Service.ExtractScraped(ctx, model.PageFilter{SourceSite: site, Limit: limit}, concurrency)
		if err != nil {
			return eris.Wrap(err, "extract pending")
		}
		return writeJSON(os.Stdout, res)
	},
}

func addExtractFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("document", "", "document id the attempt is recorded under (required)")
	f.String("file", "", "document URL or local path")
	f.String("name", "", "file name used for routing (default: taken from --file)")
	f.String("type", "", "document type, e.g. policy_document")
	f.Bool("hybrid", true, "let the local parser answer without AI; false forces the AI path")
	f.String("text", "", "read the document text from this file instead")
}

func init() {
	addExtractFlags(extractCmd)

	pf := extractPendingCmd.Flags()
	pf.String("site", "", "only pages of this source site")
	pf.Int("limit", 100, "maximum pages to extract")
	pf.Int("concurrency", 2, "documents extracted at once")

	extractCmd.AddCommand(extractPendingCmd)
	rootCmd.AddCommand(extractCmd)
}
