// Package telemetry provides observability for the host manager.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an in-process event bus (watermill) behind a single
// Telemetry value that travels in the context.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Kernel operations are wrapped with StartOperation and driver calls with
// RecordDriverOperation:
//
//	ic := telemetry.StartOperation(ctx, "element.create",
//	    telemetry.AttrRecordType.String("repy"))
//	err := create(ic.Ctx)
//	ic.End(err)
//
//	err = telemetry.RecordDriverOperation(ctx, "repy", "start", func() error {
//	    return handler(ctx, h, args)
//	})
//
// Without telemetry in the context both helpers fall back to timing only, so
// library code never has to check for it.
//
// # Events
//
// The event bus delivers state changes, attachments, wiring failures and
// policy denials to subscribers:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    fmt.Println(ev.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// # Metrics
//
//   - hostmgr_operations_total{kind,type,operation,status}
//   - hostmgr_operation_duration_seconds{kind,operation}
//   - hostmgr_driver_calls_total{type,action}
//   - hostmgr_driver_errors_total{type,action}
//   - hostmgr_errors_by_kind_total{kind}
//   - hostmgr_records{kind,type,state}
//   - hostmgr_pool_in_use{resource}
//   - hostmgr_reaped_elements_total
//   - hostmgr_admission_denials_total{operation}
package telemetry
