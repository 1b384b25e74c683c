package task

import (
	"time"

	"github.com/blues/microfund/internal/config"
	"github.com/blues/microfund/internal/logger"
	"github.com/go-co-op/gocron/v2"
)

// Job 定时任务
type Job interface {
	GetName() string
	GetSchedule() gocron.JobDefinition
	Execute()
}

// Manager 任务管理器
type Manager struct {
	scheduler gocron.Scheduler
	config    *config.Config
	jobs      []Job
}

// NewManager 创建新的任务管理器
func NewManager(cfg *config.Config, jobs ...Job) *Manager {
	s, err := gocron.NewScheduler()
	if err != nil {
		logger.Fatal("Failed to create scheduler: %v", err)
	}

	return &Manager{
		scheduler: s,
		config:    cfg,
		jobs:      jobs,
	}
}

// Start 注册所有任务并启动调度器
func (m *Manager) Start() {
	if !m.config.Task.Enabled {
		logger.Info("Task manager disabled by config")
		return
	}

	m.RegisterJobs()
	m.scheduler.Start()

	logger.Info("Task manager started successfully with %d jobs", len(m.scheduler.Jobs()))
}

// RegisterJobs 注册所有任务
func (m *Manager) RegisterJobs() {
	for _, job := range m.jobs {
		m.register(job)
	}
}

func (m *Manager) register(job Job) {
	_, err := m.scheduler.NewJob(
		job.GetSchedule(),
		gocron.NewTask(job.Execute),
		gocron.WithName(job.GetName()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		logger.Error("Failed to register job %s: %v", job.GetName(), err)
	}
}

// Stop 停止任务管理器
func (m *Manager) Stop() {
	if err := m.scheduler.Shutdown(); err != nil {
		logger.Error("Failed to shutdown scheduler: %v", err)
	}
	logger.Info("Task manager stopped")
}

// interval 任务间隔，未配置时为一分钟
func interval(cfg *config.Config) gocron.JobDefinition {
	seconds := cfg.Task.Interval
	if seconds <= 0 {
		seconds = 60
	}
	return gocron.DurationJob(time.Duration(seconds) * time.Second)
}
