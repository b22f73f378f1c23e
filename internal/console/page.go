package console

import "net/http"

func (s *Server) renderLogin(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	page := loginPageTop
	if message != "" {
		page += `<p class="error">` + message + `</p>`
	}
	page += loginPageBottom
	_, _ = w.Write([]byte(page))
}

const loginPageTop = `<!DOCTYPE html>
<html>
<head>
<title>Monzo Pots - Login</title>
<style>
body { font-family: -apple-system, sans-serif; background: #f5f5f5; display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; }
form { background: #fff; padding: 2rem; border-radius: 8px; box-shadow: 0 1px 4px rgba(0,0,0,.15); }
input { display: block; margin: .5rem 0 1rem; padding: .5rem; width: 220px; }
button { padding: .5rem 1.5rem; background: #14233c; color: #fff; border: 0; border-radius: 4px; cursor: pointer; }
.error { color: #c0392b; margin: 0 0 .5rem; }
</style>
</head>
<body>
<form method="POST" action="/login">
<h2>Monzo Pots</h2>
`

const loginPageBottom = `<label for="password">Password</label>
<input type="password" id="password" name="password" autofocus>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`

const indexPage = `<!DOCTYPE html>
<html>
<head>
<title>Monzo Pots</title>
<style>
body { font-family: -apple-system, sans-serif; background: #f5f5f5; margin: 0; padding: 2rem; }
h1 { margin-top: 0; }
.card { background: #fff; border-radius: 8px; padding: 1.5rem; margin-bottom: 1.5rem; box-shadow: 0 1px 4px rgba(0,0,0,.1); }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: .5rem .75rem; border-bottom: 1px solid #eee; }
select { padding: .35rem; min-width: 220px; }
button { padding: .5rem 1.25rem; background: #14233c; color: #fff; border: 0; border-radius: 4px; cursor: pointer; margin-right: .5rem; }
button:disabled { opacity: .5; cursor: default; }
#status { margin-left: .5rem; color: #555; }
#log { font-family: monospace; font-size: .85rem; white-space: pre-wrap; max-height: 240px; overflow-y: auto; background: #14233c; color: #d6e4ff; padding: 1rem; border-radius: 4px; }
.muted { color: #888; }
</style>
</head>
<body>
<h1>Monzo Pots</h1>

<div class="card" id="auth-card" hidden>
<p>Monzo is not connected.</p>
<a href="/auth"><button type="button">Connect Monzo</button></a>
</div>

<div class="card">
<h2>Pot mapping</h2>
<table id="mapping-table">
<thead><tr><th>Pot</th><th>Balance</th><th>Budget account</th></tr></thead>
<tbody></tbody>
</table>
<p>
<button id="save">Save mapping</button>
<button id="sync">Sync now</button>
<span id="status"></span>
</p>
</div>

<div class="card">
<h2>Activity</h2>
<div id="log"></div>
</div>

<script>
let data = { pots: [], accounts: [], mapping: [] };

function logLine(text) {
  const el = document.getElementById('log');
  el.textContent += new Date().toLocaleTimeString() + '  ' + text + '\n';
  el.scrollTop = el.scrollHeight;
}

function mappedAccount(potId) {
  const entry = data.mapping.find(m => m.potId === potId);
  return entry ? (entry.accountId || '') : '';
}

function render() {
  const tbody = document.querySelector('#mapping-table tbody');
  tbody.innerHTML = '';
  for (const pot of data.pots) {
    const row = document.createElement('tr');
    const options = ['<option value="">(not mapped)</option>'].concat(
      data.accounts.filter(a => !a.closed).map(a =>
        '<option value="' + a.id + '"' + (a.id === mappedAccount(pot.id) ? ' selected' : '') + '>' + a.name + '</option>'));
    row.innerHTML = '<td>' + pot.name + '</td><td>' + pot.balance_display +
      '</td><td><select data-pot="' + pot.id + '">' + options.join('') + '</select></td>';
    tbody.appendChild(row);
  }
  if (!data.pots.length) {
    tbody.innerHTML = '<tr><td colspan="3" class="muted">No pots found</td></tr>';
  }
}

async function load() {
  const res = await fetch('/api/data');
  if (res.status === 401) {
    document.getElementById('auth-card').hidden = false;
    return;
  }
  data = await res.json();
  document.getElementById('auth-card').hidden = data.authenticated;
  render();
}

document.getElementById('save').addEventListener('click', async () => {
  const entries = [];
  for (const sel of document.querySelectorAll('select[data-pot]')) {
    const existing = data.mapping.find(m => m.potId === sel.dataset.pot);
    if (sel.value) {
      entries.push({ potId: sel.dataset.pot, accountId: sel.value,
        lastBalance: existing ? existing.lastBalance : 0 });
    } else if (existing) {
      entries.push({ potId: existing.potId, lastBalance: existing.lastBalance });
    }
  }
  const res = await fetch('/api/mappings', { method: 'POST',
    headers: { 'Content-Type': 'application/json' }, body: JSON.stringify(entries) });
  document.getElementById('status').textContent = res.ok ? 'Saved' : 'Save failed';
  if (res.ok) { data.mapping = entries; }
});

document.getElementById('sync').addEventListener('click', async () => {
  const btn = document.getElementById('sync');
  btn.disabled = true;
  document.getElementById('status').textContent = 'Syncing...';
  try {
    const res = await fetch('/api/sync', { method: 'POST' });
    const body = await res.json();
    if (res.ok) {
      document.getElementById('status').textContent = 'Applied ' + body.count + ' transaction(s)';
    } else {
      document.getElementById('status').textContent = body.error || 'Sync failed';
    }
  } finally {
    btn.disabled = false;
    load();
  }
});

const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
const ws = new WebSocket(proto + '//' + location.host + '/ws');
ws.onmessage = (msg) => {
  const ev = JSON.parse(msg.data);
  switch (ev.type) {
  case 'run_started':
    logLine('Sync started (' + ev.data.trigger + ')');
    break;
  case 'pot_synced':
    logLine('Synced ' + ev.data.pot_name + ': delta ' + ev.data.delta);
    break;
  case 'run_complete':
    logLine('Sync complete: ' + ev.data.applied + ' applied, ' + ev.data.failed + ' failed');
    load();
    break;
  case 'mapping_update':
    logLine('Mapping file changed on disk');
    load();
    break;
  }
};

const params = new URLSearchParams(location.search);
if (params.get('auth') === 'success') { logLine('Monzo connected'); }
if (params.get('auth') === 'error') { logLine('Monzo auth failed: ' + (params.get('message') || 'unknown')); }

load();
</script>
</body>
</html>
`
