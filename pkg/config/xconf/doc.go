// Package xconf 基于 koanf 的配置加载，支持 YAML/JSON 与文件变更热重载。
//
//	cfg, err := xconf.New("/etc/xdelay/config.yaml")
//	var sc SchedulerConfig
//	err = cfg.Unmarshal("scheduler", &sc)
//
//	w, err := xconf.Watch(cfg, func(c *xconf.Config, err error) { ... })
//	go w.Run(ctx)
//
// 结构体字段使用 koanf 标签；time.Duration 字段可直接写 "250ms"、"2s"。
package xconf
