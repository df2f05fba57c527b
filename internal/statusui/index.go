package statusui

// indexHTML is the single-page dashboard. It renders the /api/status
// snapshot and keeps itself current over the websocket.
const indexHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>agent-runner status</title>
<style>
  body { font-family: ui-monospace, Menlo, monospace; margin: 2rem; background: #0d1117; color: #c9d1d9; }
  h1 { font-size: 1.2rem; }
  h2 { font-size: 1rem; margin-top: 1.5rem; color: #8b949e; }
  table { border-collapse: collapse; width: 100%; }
  th, td { text-align: left; padding: 0.3rem 0.8rem 0.3rem 0; border-bottom: 1px solid #21262d; }
  .empty { color: #484f58; }
  .flag { color: #f85149; }
  #generated { color: #484f58; font-size: 0.8rem; }
</style>
</head>
<body>
<h1>agent-runner</h1>
<div id="generated"></div>
<div id="flags"></div>
<h2>Running</h2><div id="running" class="empty">none</div>
<h2>Scheduled retries</h2><div id="retries" class="empty">none</div>
<h2>Review follow-ups</h2><div id="followups" class="empty">none</div>
<h2>Idle history</h2><div id="idle" class="empty">none</div>
<script>
function table(rows, cols) {
  if (!rows || rows.length === 0) return null;
  const t = document.createElement('table');
  const hr = t.insertRow();
  cols.forEach(c => { const th = document.createElement('th'); th.textContent = c; hr.appendChild(th); });
  rows.forEach(r => {
    const tr = t.insertRow();
    cols.forEach(c => { tr.insertCell().textContent = r[c] ?? ''; });
  });
  return t;
}
function fill(id, rows, cols) {
  const el = document.getElementById(id);
  const t = table(rows, cols);
  el.className = t ? '' : 'empty';
  el.replaceChildren(t ?? document.createTextNode('none'));
}
function render(s) {
  document.getElementById('generated').textContent = 'as of ' + s.generated_at;
  const flags = [];
  if (s.stop_flag_set) flags.push('stop requested, draining');
  if (s.blocked_until) flags.push('github rate-limited until ' + s.blocked_until);
  const fl = document.getElementById('flags');
  fl.className = 'flag';
  fl.textContent = flags.join(' · ');
  fill('running', s.running, ['repo', 'issue_number', 'engine', 'kind', 'pid', 'started_at']);
  fill('retries', s.retries, ['repo', 'issue_number', 'run_after', 'reason']);
  fill('followups', s.followups, ['repo', 'pr_number', 'reason', 'requires_engine']);
  fill('idle', s.idle_history, ['repo', 'last_idle_at', 'task_cursor']);
}
fetch('/api/status').then(r => r.json()).then(render);
const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
ws.onmessage = e => render(JSON.parse(e.data));
</script>
</body>
</html>
`
