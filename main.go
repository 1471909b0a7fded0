package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"xui-manager/app"
	"xui-manager/config"
	"xui-manager/database"
	"xui-manager/database/model"
	"xui-manager/logger"
	"xui-manager/service"
	"xui-manager/util/common"
	"xui-manager/util/crypto"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/op/go-logging"
	"github.com/spf13/cobra"
)

func initApp() error {
	switch config.GetLogLevel() {
	case config.Debug:
		logger.InitLogger(logging.DEBUG)
	case config.Info:
		logger.InitLogger(logging.INFO)
	case config.Notice:
		logger.InitLogger(logging.NOTICE)
	case config.Warn:
		logger.InitLogger(logging.WARNING)
	case config.Error:
		logger.InitLogger(logging.ERROR)
	default:
		return fmt.Errorf("unknown log level: %s", config.GetLogLevel())
	}
	return database.InitDB(config.GetDBPath())
}

func runApp() {
	log.Printf("%v %v", config.GetName(), config.GetVersion())

	if err := initApp(); err != nil {
		log.Fatal(err)
	}
	defer logger.CloseLogger()

	a := app.NewApp()
	if err := a.Start(); err != nil {
		log.Println(err)
		return
	}

	sigCh := make(chan os.Signal, 1)
	// Trap shutdown signals
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	for {
		sig := <-sigCh

		switch sig {
		case syscall.SIGHUP:
			if err := a.Stop(); err != nil {
				logger.Warning("stop app err:", err)
			}
			a = app.NewApp()
			if err := a.Start(); err != nil {
				log.Println(err)
				return
			}
		default:
			if err := a.Stop(); err != nil {
				logger.Warning("stop app err:", err)
			}
			return
		}
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println("encoding output failed:", err)
		return
	}
	fmt.Println(string(data))
}

func templateFromFlags(cmd *cobra.Command) *model.ClientTemplate {
	totalGB, _ := cmd.Flags().GetInt64("total-gb")
	expiryDays, _ := cmd.Flags().GetInt("expiry-days")
	limitIP, _ := cmd.Flags().GetInt("limit-ip")
	reset, _ := cmd.Flags().GetInt("reset")
	flow, _ := cmd.Flags().GetString("flow")

	tmpl := &model.ClientTemplate{
		Total:   totalGB * 1024 * 1024 * 1024,
		LimitIP: limitIP,
		Reset:   reset,
		Flow:    flow,
	}
	if expiryDays > 0 {
		tmpl.ExpiryTime = time.Now().UnixMilli() + int64(expiryDays)*24*60*60*1000
	}
	return tmpl
}

func addTemplateFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("total-gb", 0, "traffic cap in GB, 0 for unlimited")
	cmd.Flags().Int("expiry-days", 0, "days until expiry, 0 for no expiry")
	cmd.Flags().Int("limit-ip", 0, "concurrent ip limit, 0 for unlimited")
	cmd.Flags().Int("reset", 0, "auto renew period in days, 0 to disable")
	cmd.Flags().String("flow", "", "vless flow, e.g. xtls-rprx-vision")
}

func main() {
	_ = godotenv.Load()

	var rootCmd = &cobra.Command{
		Use:   config.GetName(),
		Short: "client provisioning and sync for xray inbounds",
	}

	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the manager with its background jobs",
		Run: func(cmd *cobra.Command, args []string) {
			runApp()
		},
	}

	var keypairCmd = &cobra.Command{
		Use:   "keypair",
		Short: "Generate an x25519 key pair for reality inbounds",
		Run: func(cmd *cobra.Command, args []string) {
			privateKey, publicKey, err := crypto.NewX25519KeyPair()
			if err != nil {
				fmt.Println("key generation failed:", err)
				os.Exit(1)
			}
			fmt.Println("Private key:", privateKey)
			fmt.Println("Public key:", publicKey)
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.GetVersion())
		},
	}

	var clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Manage single clients",
	}

	var clientAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Add one client to an inbound",
		Run: func(cmd *cobra.Command, args []string) {
			if err := initApp(); err != nil {
				log.Fatal(err)
			}
			inboundId, _ := cmd.Flags().GetInt("inbound")
			email, _ := cmd.Flags().GetString("email")
			clientService := service.ClientService{}
			record, needRestart, err := clientService.AddClient(inboundId, email, templateFromFlags(cmd))
			if err != nil {
				fmt.Println("add client failed:", err)
				os.Exit(1)
			}
			printJSON(record)
			if needRestart {
				fmt.Println("restart xray to apply the new client")
			}
		},
	}
	clientAddCmd.Flags().Int("inbound", 0, "target inbound id")
	clientAddCmd.Flags().String("email", "", "client email, must be unique within the inbound")
	addTemplateFlags(clientAddCmd)

	var clientDelCmd = &cobra.Command{
		Use:   "del [id]",
		Short: "Delete one client",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := initApp(); err != nil {
				log.Fatal(err)
			}
			id := parseIntArg(args[0])
			clientService := service.ClientService{}
			needRestart, err := clientService.DeleteClient(id)
			if err != nil {
				fmt.Println("delete client failed:", err)
				os.Exit(1)
			}
			fmt.Println("client", id, "deleted")
			if needRestart {
				fmt.Println("restart xray to drop the removed client")
			}
		},
	}

	var clientEnableCmd = &cobra.Command{
		Use:   "enable [id]",
		Short: "Enable one client",
		Args:  cobra.ExactArgs(1),
		Run:   func(cmd *cobra.Command, args []string) { setEnable(args[0], true) },
	}

	var clientDisableCmd = &cobra.Command{
		Use:   "disable [id]",
		Short: "Disable one client",
		Args:  cobra.ExactArgs(1),
		Run:   func(cmd *cobra.Command, args []string) { setEnable(args[0], false) },
	}

	var clientListCmd = &cobra.Command{
		Use:   "list",
		Short: "List clients",
		Run: func(cmd *cobra.Command, args []string) {
			if err := initApp(); err != nil {
				log.Fatal(err)
			}
			inboundId, _ := cmd.Flags().GetInt("inbound")
			search, _ := cmd.Flags().GetString("search")
			page, _ := cmd.Flags().GetInt("page")
			pageSize, _ := cmd.Flags().GetInt("page-size")
			clientService := service.ClientService{}
			result, err := clientService.GetClients(service.ClientQuery{
				InboundId: inboundId,
				Search:    search,
				Limit:     pageSize,
				Offset:    (page - 1) * pageSize,
			})
			if err != nil {
				fmt.Println("list clients failed:", err)
				os.Exit(1)
			}
			printJSON(result)
		},
	}
	clientListCmd.Flags().Int("inbound", 0, "filter by inbound id")
	clientListCmd.Flags().String("search", "", "filter by email substring")
	clientListCmd.Flags().Int("page", 1, "page number")
	clientListCmd.Flags().Int("page-size", 50, "page size")

	clientCmd.AddCommand(clientAddCmd, clientDelCmd, clientEnableCmd, clientDisableCmd, clientListCmd)

	var bulkCmd = &cobra.Command{
		Use:   "bulk",
		Short: "Manage bulk provisioning jobs",
	}

	var bulkAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Submit a bulk provisioning job and wait for it",
		Run: func(cmd *cobra.Command, args []string) {
			if err := initApp(); err != nil {
				log.Fatal(err)
			}
			count, _ := cmd.Flags().GetInt("count")
			prefix, _ := cmd.Flags().GetString("prefix")
			inbounds, _ := cmd.Flags().GetIntSlice("inbounds")
			tmpl := templateFromFlags(cmd)
			tmpl.Prefix = prefix

			queue := service.QueueService{}
			jobIds, err := queue.Submit(tmpl, count, inbounds)
			if err != nil {
				fmt.Println("submit failed:", err)
				os.Exit(1)
			}
			for _, jobId := range jobIds {
				waitJob(&queue, jobId)
			}
		},
	}
	bulkAddCmd.Flags().Int("count", 0, "number of clients to create per inbound")
	bulkAddCmd.Flags().String("prefix", "user", "email prefix, emails are prefix1..prefixN")
	bulkAddCmd.Flags().IntSlice("inbounds", nil, "target inbound ids")
	addTemplateFlags(bulkAddCmd)

	var bulkStatusCmd = &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := initApp(); err != nil {
				log.Fatal(err)
			}
			queue := service.QueueService{}
			job, err := queue.Get(args[0])
			if err != nil {
				fmt.Println("job lookup failed:", err)
				os.Exit(1)
			}
			printJSON(job)
		},
	}

	var bulkListCmd = &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			if err := initApp(); err != nil {
				log.Fatal(err)
			}
			status, _ := cmd.Flags().GetString("status")
			queue := service.QueueService{}
			jobs, err := queue.List(model.JobStatus(strings.ToLower(status)))
			if err != nil {
				fmt.Println("job list failed:", err)
				os.Exit(1)
			}
			printJSON(jobs)
		},
	}
	bulkListCmd.Flags().String("status", "", "filter: pending, processing, completed, failed, cancelled")

	var bulkCancelCmd = &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Cancel a pending or processing job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := initApp(); err != nil {
				log.Fatal(err)
			}
			queue := service.QueueService{}
			if err := queue.Cancel(args[0]); err != nil {
				fmt.Println("cancel failed:", err)
				os.Exit(1)
			}
			fmt.Println("cancellation requested")
		},
	}

	var bulkDelCmd = &cobra.Command{
		Use:   "del [job-id]",
		Short: "Delete a finished job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := initApp(); err != nil {
				log.Fatal(err)
			}
			queue := service.QueueService{}
			if err := queue.Delete(args[0]); err != nil {
				fmt.Println("delete failed:", err)
				os.Exit(1)
			}
			fmt.Println("job deleted")
		},
	}

	bulkCmd.AddCommand(bulkAddCmd, bulkStatusCmd, bulkListCmd, bulkCancelCmd, bulkDelCmd)

	var syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Reconcile config documents with the client records",
		Run: func(cmd *cobra.Command, args []string) {
			if err := initApp(); err != nil {
				log.Fatal(err)
			}
			ids, _ := cmd.Flags().GetIntSlice("ids")
			if len(ids) == 0 {
				ids = allClientIds()
			}
			syncService := service.SyncService{}
			result, err := syncService.Sync(ids)
			if err != nil {
				fmt.Println("sync failed:", err)
				os.Exit(1)
			}
			printJSON(result)
		},
	}
	syncCmd.Flags().IntSlice("ids", nil, "client ids to sync, all when omitted")

	var statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show client and traffic aggregates",
		Run: func(cmd *cobra.Command, args []string) {
			if err := initApp(); err != nil {
				log.Fatal(err)
			}
			statsService := service.StatsService{}
			clientStats, err := statsService.GetClientStats()
			if err != nil {
				fmt.Println("stats failed:", err)
				os.Exit(1)
			}
			inboundStats, err := statsService.GetInboundStats()
			if err != nil {
				fmt.Println("stats failed:", err)
				os.Exit(1)
			}
			printJSON(map[string]any{"clients": clientStats, "inbounds": inboundStats})
			fmt.Printf("total traffic: up %s, down %s\n",
				common.FormatTraffic(clientStats.Up), common.FormatTraffic(clientStats.Down))
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show host resource usage",
		Run: func(cmd *cobra.Command, args []string) {
			serverService := service.ServerService{}
			printJSON(serverService.GetStatus(nil))
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd, keypairCmd, clientCmd, bulkCmd, syncCmd, statsCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setEnable(arg string, enable bool) {
	if err := initApp(); err != nil {
		log.Fatal(err)
	}
	id := parseIntArg(arg)
	clientService := service.ClientService{}
	needRestart, err := clientService.SetEnable(id, enable)
	if err != nil {
		fmt.Println("update failed:", err)
		os.Exit(1)
	}
	fmt.Println("client", id, "updated")
	if needRestart {
		fmt.Println("restart xray to apply the change")
	}
}

func parseIntArg(arg string) int {
	var id int
	if _, err := fmt.Sscanf(arg, "%d", &id); err != nil {
		fmt.Println("invalid id:", arg)
		os.Exit(1)
	}
	return id
}

func allClientIds() []int {
	var ids []int
	err := database.GetDB().Table("client_traffics").Pluck("id", &ids).Error
	if err != nil {
		fmt.Println("loading client ids failed:", err)
		os.Exit(1)
	}
	return ids
}

// waitJob polls a submitted job until it reaches a terminal state, echoing
// progress as it moves.
func waitJob(queue *service.QueueService, jobId string) {
	lastCompleted := -1
	for {
		job, err := queue.Get(jobId)
		if err != nil {
			fmt.Println("job lookup failed:", err)
			return
		}
		if job.Progress.Completed != lastCompleted {
			lastCompleted = job.Progress.Completed
			fmt.Printf("job %s: %d/%d\n", jobId, job.Progress.Completed, job.Progress.Total)
		}
		if job.Status.Terminal() {
			printJSON(job)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}
