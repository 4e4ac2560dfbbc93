package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/couchstage/internal/attachments"
	"github.com/MarcoPoloResearchLab/couchstage/internal/docsync"
	"github.com/MarcoPoloResearchLab/couchstage/internal/journal"
	"github.com/MarcoPoloResearchLab/couchstage/internal/mango"
	"github.com/MarcoPoloResearchLab/couchstage/internal/query"
)

func newTokenCommand() *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeRuntime, err := openRuntime()
			if err != nil {
				return err
			}
			defer closeRuntime()

			issuer, err := rt.tokenIssuer()
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), args[0], scopes...)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"access_token": token, "token_type": "Bearer", "expires_in": expiresIn})
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Scopes to grant (stage, find); all when omitted")
	return cmd
}

type findFlags struct {
	database       string
	selector       string
	fields         []string
	sort           []string
	limit          int
	skip           int
	bookmark       string
	readQuorum     int
	skipIndex      bool
	stable         bool
	useIndex       []string
	executionStats bool
	conflicts      bool
}

func newFindCommand() *cobra.Command {
	var flags findFlags
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Print the _find request body for a query",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := flags.build(cmd)
			if err != nil {
				return err
			}
			body, err := mango.Marshal(chain)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return err
		},
	}
	cmd.Flags().StringVar(&flags.database, "db", "", "Database name")
	cmd.Flags().StringVar(&flags.selector, "selector", "{}", "Selector as a JSON object")
	cmd.Flags().StringSliceVar(&flags.fields, "fields", nil, "Fields to return")
	cmd.Flags().StringSliceVar(&flags.sort, "sort", nil, "Sort fields; prefix with - for descending")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&flags.skip, "skip", 0, "Number of results to skip")
	cmd.Flags().StringVar(&flags.bookmark, "bookmark", "", "Resume from a bookmark")
	cmd.Flags().IntVar(&flags.readQuorum, "r", 0, "Read quorum")
	cmd.Flags().BoolVar(&flags.skipIndex, "no-index-update", false, "Do not update the index before answering")
	cmd.Flags().BoolVar(&flags.stable, "stable", false, "Read from a stable set of shards")
	cmd.Flags().StringSliceVar(&flags.useIndex, "use-index", nil, "Design document and optional index name")
	cmd.Flags().BoolVar(&flags.executionStats, "execution-stats", false, "Include execution statistics")
	cmd.Flags().BoolVar(&flags.conflicts, "conflicts", false, "Include conflict revisions")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

func (f findFlags) build(cmd *cobra.Command) (*query.Query[map[string]any], error) {
	var selector map[string]any
	if err := json.Unmarshal([]byte(f.selector), &selector); err != nil {
		return nil, fmt.Errorf("parse selector: %w", err)
	}
	source := query.Documents{DB: f.database, Selector: selector, Fields: f.fields, Limit: f.limit, Skip: f.skip}
	for _, field := range f.sort {
		descending := strings.HasPrefix(field, "-")
		source.Sort = append(source.Sort, query.SortField{Field: strings.TrimPrefix(field, "-"), Descending: descending})
	}

	chain, err := query.New[map[string]any](source)
	if err != nil {
		return nil, err
	}
	changed := cmd.Flags().Changed
	if changed("bookmark") {
		if chain, err = query.WithBookmark(chain, f.bookmark); err != nil {
			return nil, err
		}
	}
	if changed("r") {
		if chain, err = query.WithReadQuorum(chain, f.readQuorum); err != nil {
			return nil, err
		}
	}
	if f.skipIndex {
		if chain, err = query.SkipIndexUpdate(chain); err != nil {
			return nil, err
		}
	}
	if f.stable {
		if chain, err = query.WithStableReads(chain); err != nil {
			return nil, err
		}
	}
	if changed("use-index") {
		if chain, err = query.UseIndex(chain, f.useIndex...); err != nil {
			return nil, err
		}
	}
	if f.executionStats {
		if chain, err = query.IncludeExecutionStats(chain); err != nil {
			return nil, err
		}
	}
	if f.conflicts {
		if chain, err = query.IncludeConflicts(chain); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

func newSyncCommand() *cobra.Command {
	var fields string
	cmd := &cobra.Command{
		Use:   "sync <document-id>",
		Short: "Write a journaled stage to CouchDB",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			documentID, err := journal.NewDocumentID(args[0])
			if err != nil {
				return err
			}
			var body map[string]any
			if fields != "" {
				if err := json.Unmarshal([]byte(fields), &body); err != nil {
					return fmt.Errorf("parse fields: %w", err)
				}
			}

			rt, closeRuntime, err := openRuntime()
			if err != nil {
				return err
			}
			defer closeRuntime()

			synchronizer, err := rt.synchronizer()
			if err != nil {
				return err
			}
			document, err := rt.journal.Load(cmd.Context(), documentID, attachments.OSFileSystem())
			if err != nil {
				return err
			}
			result, err := synchronizer.Sync(cmd.Context(), docsync.Target{
				Database:   document.Ref.Database.String(),
				DocumentID: document.Ref.DocumentID.String(),
				Revision:   document.Ref.Revision,
				Fields:     body,
			}, document.Stage)
			if err != nil {
				return err
			}

			document.Ref.Revision = result.Revision
			if _, err := rt.journal.Save(cmd.Context(), document.Ref, document.Stage); err != nil {
				return err
			}
			rt.logger.Info("stage written",
				zap.String("document_id", documentID.String()),
				zap.String("revision", result.Revision),
				zap.Int("attempts", result.Attempts))
			return printJSON(cmd, map[string]any{
				"revision": result.Revision,
				"uploaded": result.Uploaded,
				"deleted":  result.Deleted,
				"attempts": result.Attempts,
			})
		},
	}
	cmd.Flags().StringVar(&fields, "fields", "", "Document body as a JSON object")
	return cmd
}

func newDocumentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "documents",
		Short: "List journaled documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeRuntime, err := openRuntime()
			if err != nil {
				return err
			}
			defer closeRuntime()

			documents, err := rt.journal.Documents(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, document := range documents {
				if _, err := fmt.Fprintf(out, "%s\t%s\t%s\n", document.Database, document.DocumentID, document.Revision); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
