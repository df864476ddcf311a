package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"karmaline/internal/config"
	"karmaline/internal/db"
	"karmaline/internal/domain"
	"karmaline/internal/engine"
	"karmaline/internal/migrate"
	"karmaline/internal/repo"
	"karmaline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "kl",
	Short: "Karmaline CLI",
	Long: `Karmaline is a reputation-gated, token-settled service marketplace ledger.
Core concepts:
- Workspace: your .karmaline directory holding the database; karmaline.yml next to it configures the token and roles.
- Token: the KRM balance ledger; ordinary transfers pay a 1% reflection fee to the treasury.
- Profiles: professionals and companies register an identity before trading.
- Skills: admins curate the catalog; professionals declare levels, peers validate them, karma is the rounded mean.
- Time records: employees log hours, companies validate or either side disputes.
- Marketplace: providers publish services, clients order with the price held in escrow until delivery is confirmed.
- Event log: diary of every mutation, view with 'kl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("KARMALINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("account", "local-user", "acting account")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("account", rootCmd.PersistentFlags().Lookup("account"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(skillCmd())
	rootCmd.AddCommand(timeCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(systemCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace: config, schema, initial supply, super admins",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(viper.GetString("account"))), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Init(ctx); err != nil {
					return err
				}
				supply, err := e.TotalSupply(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("initialized: %d %s minted to %s\n", supply, e.Config.Token.Symbol, e.Config.Token.Treasury)
				return nil
			})
		},
	}
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Token ledger"}
	tok.AddCommand(tokenBalanceCmd())
	tok.AddCommand(tokenSupplyCmd())
	tok.AddCommand(tokenTransferCmd())
	tok.AddCommand(tokenApproveCmd())
	tok.AddCommand(tokenAllowanceCmd())
	return tok
}

func tokenBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance <account>",
		Short: "Show an account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				amount, err := e.BalanceOf(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"account": args[0], "amount": amount})
			})
		},
	}
	return cmd
}

func tokenSupplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supply",
		Short: "Show total supply",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				supply, err := e.TotalSupply(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"total_supply": supply})
			})
		},
	}
}

func tokenTransferCmd() *cobra.Command {
	var to, from string
	var amount int64
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Transfer tokens (uses allowance when --from is another account)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				account := viper.GetString("account")
				if from != "" && from != account {
					return e.TransferFrom(ctx, account, from, to, amount)
				}
				return e.Transfer(ctx, account, to, amount)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient account")
	cmd.Flags().StringVar(&from, "from", "", "source account (allowance pull)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in smallest units")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func tokenApproveCmd() *cobra.Command {
	var spender string
	var amount int64
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a spender to pull tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Approve(ctx, viper.GetString("account"), spender, amount)
			})
		},
	}
	cmd.Flags().StringVar(&spender, "spender", "", "spender account")
	cmd.Flags().Int64Var(&amount, "amount", 0, "allowance in smallest units")
	_ = cmd.MarkFlagRequired("spender")
	return cmd
}

func tokenAllowanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allowance <owner> <spender>",
		Short: "Show an allowance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				amount, err := e.AllowanceOf(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"owner": args[0], "spender": args[1], "amount": amount})
			})
		},
	}
	return cmd
}

// --- profiles ---

func profileCmd() *cobra.Command {
	prf := &cobra.Command{Use: "profile", Short: "Identity profiles"}
	prf.AddCommand(profileRegisterCmd())
	prf.AddCommand(profileShowCmd())
	prf.AddCommand(profileListCmd())
	prf.AddCommand(profileUpdateCmd())
	prf.AddCommand(profileDeactivateCmd())
	prf.AddCommand(profileKarmaCmd())
	prf.AddCommand(profileSetKarmaCmd())
	prf.AddCommand(profileSyncKarmaCmd())
	prf.AddCommand(profileHoursCmd())
	return prf
}

func profileRegisterCmd() *cobra.Command {
	var company bool
	var metadata string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the acting account's profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.RegisterProfile(ctx, viper.GetString("account"), company, metadata)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&company, "company", false, "register as a company")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata URI")
	return cmd
}

func profileShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <account>",
		Short: "Show a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProfile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func profileListCmd() *cobra.Command {
	var companies, active bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProfiles(ctx, companies, active)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().BoolVar(&companies, "companies", false, "companies only")
	cmd.Flags().BoolVar(&active, "active", false, "active only")
	return cmd
}

func profileUpdateCmd() *cobra.Command {
	var metadata string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the acting account's metadata URI",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.UpdateProfile(ctx, viper.GetString("account"), metadata)
			})
		},
	}
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata URI")
	_ = cmd.MarkFlagRequired("metadata")
	return cmd
}

func profileDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Deactivate the acting account's profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeactivateProfile(ctx, viper.GetString("account"))
			})
		},
	}
}

func profileKarmaCmd() *cobra.Command {
	var skillID int64
	cmd := &cobra.Command{
		Use:   "karma <account>",
		Short: "Live karma, total or per skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if skillID != 0 {
					karma, err := e.KarmaFor(ctx, args[0], skillID)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"professional": args[0], "skill_id": skillID, "karma": karma})
				}
				total, err := e.TotalKarma(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"professional": args[0], "karma": total})
			})
		},
	}
	cmd.Flags().Int64Var(&skillID, "skill", 0, "skill id")
	return cmd
}

func profileSetKarmaCmd() *cobra.Command {
	var karma int64
	cmd := &cobra.Command{
		Use:   "set-karma <account>",
		Short: "Overwrite a karma snapshot (KARMA_MANAGER)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.SetKarma(ctx, viper.GetString("account"), args[0], karma)
			})
		},
	}
	cmd.Flags().Int64Var(&karma, "karma", 0, "karma value")
	_ = cmd.MarkFlagRequired("karma")
	return cmd
}

func profileSyncKarmaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-karma <account>",
		Short: "Sync the karma snapshot from live validations (KARMA_MANAGER)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				total, err := e.SyncKarma(ctx, viper.GetString("account"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"professional": args[0], "karma": total})
			})
		},
	}
	return cmd
}

func profileHoursCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hours <account>",
		Short: "Total and validated worked hours",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				total, err := r.TotalHours(ctx, args[0])
				if err != nil {
					return err
				}
				validated, err := r.ValidatedHours(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"employee": args[0], "total_hours": total, "validated_hours": validated,
				})
			})
		},
	}
	return cmd
}

// --- skills ---

func skillCmd() *cobra.Command {
	sk := &cobra.Command{Use: "skill", Short: "Skill catalog and reputation"}
	sk.AddCommand(skillCreateCmd())
	sk.AddCommand(skillListCmd())
	sk.AddCommand(skillDeclareCmd())
	sk.AddCommand(skillValidateCmd())
	sk.AddCommand(skillValidationsCmd())
	sk.AddCommand(skillDeclarationsCmd())
	return sk
}

func skillCreateCmd() *cobra.Command {
	var name, category string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a skill to the catalog (ADMIN)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.CreateSkill(ctx, viper.GetString("account"), name, category)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "skill name")
	cmd.Flags().StringVar(&category, "category", "", "category")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func skillListCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the skill catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSkills(ctx, active)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Category", "Active"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Category, s.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "active only")
	return cmd
}

func skillDeclareCmd() *cobra.Command {
	var skillID int64
	var level int
	cmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare a proficiency level",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.DeclareSkill(ctx, viper.GetString("account"), skillID, domain.SkillLevel(level))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().Int64Var(&skillID, "skill", 0, "skill id")
	cmd.Flags().IntVar(&level, "level", 0, "level 1-3")
	_ = cmd.MarkFlagRequired("skill")
	_ = cmd.MarkFlagRequired("level")
	return cmd
}

func skillValidateCmd() *cobra.Command {
	var professional string
	var skillID int64
	var level int
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Attest a professional's declared skill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.ValidateSkill(ctx, viper.GetString("account"), professional, skillID, domain.SkillLevel(level))
			})
		},
	}
	cmd.Flags().StringVar(&professional, "professional", "", "professional account")
	cmd.Flags().Int64Var(&skillID, "skill", 0, "skill id")
	cmd.Flags().IntVar(&level, "level", 0, "asserted level 1-3")
	_ = cmd.MarkFlagRequired("professional")
	_ = cmd.MarkFlagRequired("skill")
	_ = cmd.MarkFlagRequired("level")
	return cmd
}

func skillValidationsCmd() *cobra.Command {
	var professional string
	var skillID int64
	cmd := &cobra.Command{
		Use:   "validations",
		Short: "List validations for a professional's skill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListValidations(ctx, professional, skillID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&professional, "professional", "", "professional account")
	cmd.Flags().Int64Var(&skillID, "skill", 0, "skill id")
	_ = cmd.MarkFlagRequired("professional")
	_ = cmd.MarkFlagRequired("skill")
	return cmd
}

func skillDeclarationsCmd() *cobra.Command {
	var latest bool
	cmd := &cobra.Command{
		Use:   "declarations <account>",
		Short: "List a professional's skill declarations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var items []domain.DeclaredSkill
				var err error
				if latest {
					items, err = r.LatestDeclaredSkills(ctx, args[0])
				} else {
					items, err = r.ListDeclaredSkills(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "only the newest declaration per skill")
	return cmd
}

// --- time records ---

func timeCmd() *cobra.Command {
	tm := &cobra.Command{Use: "time", Short: "Time attestation"}
	tm.AddCommand(timeRegisterCmd())
	tm.AddCommand(timeListCmd())
	tm.AddCommand(timeValidateCmd())
	tm.AddCommand(timeDisputeCmd())
	return tm
}

func timeRegisterCmd() *cobra.Command {
	var company, desc string
	var start, end int64
	var skillIDs []int64
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register worked hours (acting account is the employee)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.RegisterTime(ctx, viper.GetString("account"), company, start, end, desc, skillIDs)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&company, "company", "", "company account")
	cmd.Flags().Int64Var(&start, "start", 0, "start time (unix seconds)")
	cmd.Flags().Int64Var(&end, "end", 0, "end time (unix seconds)")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().Int64SliceVar(&skillIDs, "skills", nil, "skill ids exercised")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func timeListCmd() *cobra.Command {
	var employee, company, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List time records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTimeRecords(ctx, repo.TimeRecordFilter{
					Employee: employee,
					Company:  company,
					Status:   domain.TimeRecordStatus(status),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&employee, "employee", "", "filter by employee")
	cmd.Flags().StringVar(&company, "company", "", "filter by company")
	cmd.Flags().StringVar(&status, "status", "", "pending|validated|disputed")
	return cmd
}

func timeValidateCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a pending record (company)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.ValidateTimeRecord(ctx, viper.GetString("account"), id)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "record id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func timeDisputeCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "dispute",
		Short: "Dispute a pending record (company or employee)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DisputeTimeRecord(ctx, viper.GetString("account"), id)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "record id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- services ---

func serviceCmd() *cobra.Command {
	svc := &cobra.Command{Use: "service", Short: "Marketplace services"}
	svc.AddCommand(serviceCreateCmd())
	svc.AddCommand(serviceListCmd())
	svc.AddCommand(serviceShowCmd())
	svc.AddCommand(serviceUpdateCmd())
	svc.AddCommand(serviceToggleCmd())
	return svc
}

func serviceCreateCmd() *cobra.Command {
	var title, desc string
	var price int64
	var skillIDs []int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.CreateService(ctx, viper.GetString("account"), title, desc, price, skillIDs)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "service title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().Int64Var(&price, "price", 0, "price per hour in smallest units")
	cmd.Flags().Int64SliceVar(&skillIDs, "skills", nil, "skill ids covered")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func serviceListCmd() *cobra.Command {
	var provider string
	var skillID int64
	var active bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListServices(ctx, repo.ServiceFilter{
					Provider:   provider,
					SkillID:    skillID,
					ActiveOnly: active,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Provider", "Title", "Price/h", "Active"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Provider, s.Title, s.PricePerHour, s.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().Int64Var(&skillID, "skill", 0, "filter by skill id")
	cmd.Flags().BoolVar(&active, "active", false, "active only")
	return cmd
}

func serviceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetService(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func serviceUpdateCmd() *cobra.Command {
	var id, price int64
	var title, desc string
	var skillIDs []int64
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a service (provider)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.UpdateService(ctx, viper.GetString("account"), id, title, desc, price, skillIDs)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "service id")
	cmd.Flags().StringVar(&title, "title", "", "service title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().Int64Var(&price, "price", 0, "price per hour")
	cmd.Flags().Int64SliceVar(&skillIDs, "skills", nil, "skill ids covered")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func serviceToggleCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "toggle",
		Short: "Flip a service between active and inactive (provider)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				active, err := e.ToggleServiceStatus(ctx, viper.GetString("account"), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": id, "is_active": active})
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "service id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- orders ---

func orderCmd() *cobra.Command {
	ord := &cobra.Command{Use: "order", Short: "Escrowed orders"}
	ord.AddCommand(orderCreateCmd())
	ord.AddCommand(orderListCmd())
	ord.AddCommand(orderShowCmd())
	ord.AddCommand(orderTransitionCmd("accept", "Accept a created order (provider)", func(e *engine.Engine) func(context.Context, string, int64) error {
		return e.AcceptOrder
	}))
	ord.AddCommand(orderTransitionCmd("complete", "Confirm delivery, releasing escrow (client)", func(e *engine.Engine) func(context.Context, string, int64) error {
		return e.CompleteOrder
	}))
	ord.AddCommand(orderTransitionCmd("cancel", "Cancel a created order, refunding the client", func(e *engine.Engine) func(context.Context, string, int64) error {
		return e.CancelOrder
	}))
	return ord
}

func orderCreateCmd() *cobra.Command {
	var serviceID, hours int64
	var desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Order a service, escrowing the full price",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				o, err := e.CreateOrder(ctx, viper.GetString("account"), serviceID, hours, desc)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().Int64Var(&serviceID, "service", 0, "service id")
	cmd.Flags().Int64Var(&hours, "hours", 0, "number of hours")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("hours")
	return cmd
}

func orderListCmd() *cobra.Command {
	var client, provider, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOrders(ctx, repo.OrderFilter{
					Client:   client,
					Provider: provider,
					Status:   domain.OrderStatus(status),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Service", "Client", "Provider", "Hours", "Total", "Status"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.ServiceID, o.Client, o.Provider, o.NumHours, o.TotalPrice, o.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "filter by client")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&status, "status", "", "created|accepted|completed|cancelled")
	return cmd
}

func orderShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := r.GetOrder(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orderTransitionCmd(use, short string, pick func(*engine.Engine) func(context.Context, string, int64) error) *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := pick(e)(ctx, viper.GetString("account"), id); err != nil {
					return err
				}
				o, err := e.Repo.GetOrder(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "order id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- roles / system ---

func roleCmd() *cobra.Command {
	rl := &cobra.Command{Use: "role", Short: "Role management"}
	rl.AddCommand(roleGrantCmd())
	rl.AddCommand(roleRevokeCmd())
	rl.AddCommand(roleListCmd())
	rl.AddCommand(roleBootstrapCmd())
	return rl
}

func roleGrantCmd() *cobra.Command {
	var account, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role (SUPER_ADMIN)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.GrantRole(ctx, viper.GetString("account"), account, role)
			})
		},
	}
	cmd.Flags().StringVar(&account, "to", "", "grantee account")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var account, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role (SUPER_ADMIN)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.RevokeRole(ctx, viper.GetString("account"), account, role)
			})
		},
	}
	cmd.Flags().StringVar(&account, "from", "", "account")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func roleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <account>",
		Short: "Roles held by an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				roles, err := e.Access.AccountRoles(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"account": args[0], "roles": roles})
			})
		},
	}
	return cmd
}

func roleBootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Re-seed super admins from karmaline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.BootstrapRoles(ctx); err != nil {
					return err
				}
				members, err := e.Access.RoleMembers(ctx, domain.RoleSuperAdmin)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"role": domain.RoleSuperAdmin, "accounts": members})
			})
		},
	}
	return cmd
}

func systemCmd() *cobra.Command {
	sys := &cobra.Command{Use: "system", Short: "Pause flag and fees"}
	sys.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show system state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				paused, err := e.Access.Paused(ctx)
				if err != nil {
					return err
				}
				feeBps, err := e.Repo.PlatformFeeBps(ctx)
				if err != nil {
					return err
				}
				supply, err := e.TotalSupply(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"paused": paused, "platform_fee_bps": feeBps, "total_supply": supply,
				})
			})
		},
	})
	sys.AddCommand(&cobra.Command{
		Use:   "pause",
		Short: "Pause all mutations (ADMIN)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Pause(ctx, viper.GetString("account"))
			})
		},
	})
	sys.AddCommand(&cobra.Command{
		Use:   "unpause",
		Short: "Resume mutations (ADMIN)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Unpause(ctx, viper.GetString("account"))
			})
		},
	})
	feeCmd := &cobra.Command{
		Use:   "fee <bps>",
		Short: "Update the marketplace platform fee (FEE_MANAGER)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bps, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.UpdatePlatformFee(ctx, viper.GetString("account"), bps)
			})
		},
	}
	sys.AddCommand(feeCmd)
	return sys
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var items []domain.Event
				var err error
				if after > 0 {
					items, err = r.EventsAfter(ctx, after, n)
				} else {
					items, err = r.LatestEvents(ctx, n)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "page forward from this event id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := e.Init(cmd.Context()); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("KARMALINE_JWT_SECRET"),
				EnableDevLogin: devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("KARMALINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Karmaline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if err := e.Init(ctx); err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
