package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/node"
	"github.com/cuemby/nodestore/pkg/types"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(touchCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(walkCmd)
	rootCmd.AddCommand(pathCmd)

	touchCmd.Flags().String("type", "cm:content", "Node type")
	touchCmd.Flags().String("content", "", "Content url, optionally followed by ;mimetype")
	mkdirCmd.Flags().BoolP("parents", "p", false, "Create missing parent folders")
	lsCmd.Flags().Int("limit", 0, "Maximum number of children to list (0 lists all)")
	lsCmd.Flags().String("match", "", "Only list children whose association local name matches this regex")
	rmCmd.Flags().Bool("temporary", false, "Delete without archiving")
	restoreCmd.Flags().String("to", "", "Destination parent (defaults to the original parent)")
	walkCmd.Flags().Bool("leaf-first", false, "List children before their parents")
}

// withRepo opens the repository and runs fn in a retried transaction
func withRepo(cmd *cobra.Command, fn func(ctx context.Context, repo *repository, tx *node.Txn) error) error {
	repo, err := openRepository(cmd, repoOptions{})
	if err != nil {
		return err
	}
	defer repo.Close()
	return repo.Do(userContext(cmd), func(ctx context.Context, tx *node.Txn) error {
		return fn(ctx, repo, tx)
	})
}

func createChild(ctx context.Context, repo *repository, tx *node.Txn, parent types.NodeRef, name string, nodeType types.QName, props types.Properties) (types.NodeRef, error) {
	if props == nil {
		props = types.Properties{}
	}
	props[dictionary.PropName] = name
	assoc, err := repo.CreateNode(ctx, tx, parent, dictionary.AssocContains, types.CmQName(name), nodeType, props)
	if err != nil {
		return types.NodeRef{}, err
	}
	return assoc.Child, nil
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir PATH",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parents, _ := cmd.Flags().GetBool("parents")
		return withRepo(cmd, func(ctx context.Context, repo *repository, tx *node.Txn) error {
			if !parents {
				parentPath, name, err := splitParent(args[0])
				if err != nil {
					return err
				}
				parent, err := repo.resolve(ctx, tx, parentPath)
				if err != nil {
					return err
				}
				ref, err := createChild(ctx, repo, tx, parent, name, dictionary.TypeFolder, nil)
				if err != nil {
					return err
				}
				fmt.Println(ref)
				return nil
			}

			cur, err := repo.GetRootNode(ctx, tx, repo.store)
			if err != nil {
				return err
			}
			for _, name := range strings.Split(args[0], "/") {
				if name == "" {
					continue
				}
				child, found, err := repo.GetChildByName(ctx, tx, cur, dictionary.AssocContains, name)
				if err != nil {
					return err
				}
				if !found {
					if child, err = createChild(ctx, repo, tx, cur, name, dictionary.TypeFolder, nil); err != nil {
						return err
					}
				}
				cur = child
			}
			fmt.Println(cur)
			return nil
		})
	},
}

var touchCmd = &cobra.Command{
	Use:   "touch PATH",
	Short: "Create a content node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typeFlag, _ := cmd.Flags().GetString("type")
		content, _ := cmd.Flags().GetString("content")
		nodeType, err := types.ParseQName(typeFlag)
		if err != nil {
			return err
		}
		return withRepo(cmd, func(ctx context.Context, repo *repository, tx *node.Txn) error {
			parentPath, name, err := splitParent(args[0])
			if err != nil {
				return err
			}
			parent, err := repo.resolve(ctx, tx, parentPath)
			if err != nil {
				return err
			}
			props := types.Properties{}
			if content != "" {
				url, mimetype, _ := strings.Cut(content, ";")
				props[dictionary.PropContent] = types.ContentData{URL: url, Mimetype: mimetype}
			}
			ref, err := createChild(ctx, repo, tx, parent, name, nodeType, props)
			if err != nil {
				return err
			}
			fmt.Println(ref)
			return nil
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "List the children of a node",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := "/"
		if len(args) == 1 {
			target = args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")
		match, _ := cmd.Flags().GetString("match")

		var pattern node.QNamePattern = node.AllQNames
		if match != "" {
			p, err := node.NewRegexQNamePattern("", match)
			if err != nil {
				return err
			}
			pattern = p
		}

		return withRepo(cmd, func(ctx context.Context, repo *repository, tx *node.Txn) error {
			ref, err := repo.resolve(ctx, tx, target)
			if err != nil {
				return err
			}
			assocs, err := repo.GetChildAssocs(ctx, tx, ref, types.QName{}, pattern, limit, true)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tASSOC\tPRIMARY\tNODE")
			for _, a := range assocs {
				nodeType, err := repo.GetType(ctx, tx, a.Child)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
					a.QName.PrefixString(), nodeType.PrefixString(), a.Type.PrefixString(), a.IsPrimary, a.Child)
			}
			return w.Flush()
		})
	},
}

var statCmd = &cobra.Command{
	Use:   "stat PATH",
	Short: "Show a node's type, aspects and properties",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(cmd, func(ctx context.Context, repo *repository, tx *node.Txn) error {
			ref, err := repo.resolve(ctx, tx, args[0])
			if err != nil {
				return err
			}
			nodeType, err := repo.GetType(ctx, tx, ref)
			if err != nil {
				return err
			}
			status, _, err := repo.GetNodeStatus(ctx, tx, ref)
			if err != nil {
				return err
			}
			vk, err := repo.GetVersionKey(ctx, tx, ref)
			if err != nil {
				return err
			}
			aspects, err := repo.GetAspects(ctx, tx, ref)
			if err != nil {
				return err
			}
			props, err := repo.GetProperties(ctx, tx, ref)
			if err != nil {
				return err
			}

			fmt.Printf("Node:    %s\n", ref)
			fmt.Printf("Type:    %s\n", nodeType.PrefixString())
			fmt.Printf("DB id:   %d\n", status.DBID)
			fmt.Printf("Version: %s\n", vk)
			fmt.Printf("Txn:     %d\n", status.TxnID)
			fmt.Println("Aspects:")
			for _, a := range aspects.Sorted() {
				fmt.Printf("  %s\n", a.PrefixString())
			}

			names := make([]types.QName, 0, len(props))
			for name := range props {
				names = append(names, name)
			}
			sort.Slice(names, func(i, j int) bool { return names[i].String() < names[j].String() })
			fmt.Println("Properties:")
			for _, name := range names {
				fmt.Printf("  %s = %s\n", name.PrefixString(), formatValue(props[name]))
			}
			return nil
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set PATH NAME=VALUE...",
	Short: "Set properties on a node",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(cmd, func(ctx context.Context, repo *repository, tx *node.Txn) error {
			ref, err := repo.resolve(ctx, tx, args[0])
			if err != nil {
				return err
			}
			props := types.Properties{}
			for _, kv := range args[1:] {
				key, raw, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("expected NAME=VALUE, got %q", kv)
				}
				name, err := types.ParseQName(key)
				if err != nil {
					return err
				}
				value, err := parseValue(repo.Dictionary(), name, raw)
				if err != nil {
					return fmt.Errorf("invalid value for %s: %w", key, err)
				}
				if content, ok := value.(types.ContentData); ok {
					if err := repo.SetContent(ctx, tx, ref, name, content); err != nil {
						return err
					}
					continue
				}
				props[name] = value
			}
			if len(props) == 0 {
				return nil
			}
			return repo.AddProperties(ctx, tx, ref, props)
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm PATH",
	Short: "Delete a node and its primary children",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		temporary, _ := cmd.Flags().GetBool("temporary")
		return withRepo(cmd, func(ctx context.Context, repo *repository, tx *node.Txn) error {
			ref, err := repo.resolve(ctx, tx, args[0])
			if err != nil {
				return err
			}
			if temporary {
				if err := repo.AddAspect(ctx, tx, ref, dictionary.AspectTemporary, nil); err != nil {
					return err
				}
			}
			if err := repo.DeleteNode(ctx, tx, ref); err != nil {
				return err
			}
			fmt.Printf("✓ Deleted %s\n", ref)
			return nil
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore NODE_REF",
	Short: "Restore an archived node",
	Long: `Restore an archived node. NODE_REF may name the node in the archive
store or the workspace ref it had before deletion.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		return withRepo(cmd, func(ctx context.Context, repo *repository, tx *node.Txn) error {
			ref, err := types.ParseNodeRef(args[0])
			if err != nil {
				return err
			}
			if ref.Store.Protocol != types.ProtocolArchive {
				ref.Store = types.StoreRef{Protocol: types.ProtocolArchive, Identifier: ref.Store.Identifier}
			}
			var dest types.NodeRef
			if to != "" {
				if dest, err = repo.resolve(ctx, tx, to); err != nil {
					return err
				}
			}
			assoc, err := repo.RestoreNode(ctx, tx, ref, dest, types.QName{}, types.QName{})
			if err != nil {
				return err
			}
			fmt.Printf("✓ Restored %s under %s\n", assoc.Child, assoc.Parent)
			return nil
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv PATH NEW_PARENT",
	Short: "Move a node under a new primary parent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(cmd, func(ctx context.Context, repo *repository, tx *node.Txn) error {
			ref, err := repo.resolve(ctx, tx, args[0])
			if err != nil {
				return err
			}
			parent, err := repo.resolve(ctx, tx, args[1])
			if err != nil {
				return err
			}
			primary, err := repo.GetPrimaryParent(ctx, tx, ref)
			if err != nil {
				return err
			}
			moved, err := repo.MoveNode(ctx, tx, ref, parent, primary.Type, primary.QName)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Moved %s under %s\n", moved.Child, moved.Parent)
			return nil
		})
	},
}

var walkCmd = &cobra.Command{
	Use:   "walk PATH",
	Short: "List a node's primary subtree with its cross links",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		leafFirst, _ := cmd.Flags().GetBool("leaf-first")
		order := node.RootFirst
		if leafFirst {
			order = node.LeafFirst
		}
		return withRepo(cmd, func(ctx context.Context, repo *repository, tx *node.Txn) error {
			ref, err := repo.resolve(ctx, tx, args[0])
			if err != nil {
				return err
			}
			visits, err := repo.WalkHierarchy(ctx, tx, ref, order)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tDBID\tPARENT\tSEC_PARENTS\tSEC_CHILDREN\tTARGETS\tSOURCES")
			for _, v := range visits {
				parent := "-"
				if v.PrimaryParent != nil {
					parent = v.PrimaryParent.Parent.ID
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%d\t%d\n", v.Node, v.DBID, parent,
					len(v.SecondaryParents), len(v.SecondaryChildren), len(v.TargetAssocs), len(v.SourceAssocs))
			}
			return w.Flush()
		})
	},
}

var pathCmd = &cobra.Command{
	Use:   "path NODE_REF",
	Short: "Print the primary path of a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(cmd, func(ctx context.Context, repo *repository, tx *node.Txn) error {
			ref, err := repo.resolve(ctx, tx, args[0])
			if err != nil {
				return err
			}
			path, err := repo.GetPath(ctx, tx, ref)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		})
	},
}
